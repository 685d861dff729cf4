// Command synqctl is a small operator CLI for inspecting and administering
// a synquill-go sync queue from outside the embedding application: list
// and requeue dead-lettered entries, show queue stats, force a drain pass,
// and obliterate local storage. Grounded on the teacher's cmd/bd cobra
// tree (a single rootCmd with one subcommand file per concern).
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/andreystavitsky/synquill-go/internal/obsv"
	"github.com/andreystavitsky/synquill-go/internal/queuemgr"
	"github.com/andreystavitsky/synquill-go/internal/registry"
	"github.com/andreystavitsky/synquill-go/internal/retryexec"
	"github.com/andreystavitsky/synquill-go/internal/store/sqlite"
	"github.com/andreystavitsky/synquill-go/internal/syncconfig"
	"github.com/andreystavitsky/synquill-go/internal/syncqueue"
)

var dbPath string

var rootCmd = &cobra.Command{
	Use:   "synqctl",
	Short: "synqctl - inspect and administer a synquill-go sync queue",
	Long: `synqctl operates directly against a synquill-go sqlite database file.

It has no knowledge of the embedding application's model types or HTTP
Adapters; it reads and writes the sync_queue table and reports queue
admission state. Commands that dispatch remote calls (drain) only act on
model types the running application happens to have registered in the
same process — run synqctl from within that process, or expect dispatch
to fail for every entry when run standalone.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "./synquill.db", "path to the synquill-go sqlite database")
}

// runtime bundles the pieces every subcommand needs, opened fresh per
// invocation and closed on return.
type runtime struct {
	cfg   *syncconfig.Config
	st    *sqlite.Store
	queue *syncqueue.Queue
	qm    *queuemgr.Manager
	repos *registry.Registry
	exec  *retryexec.Executor
}

func openRuntime(ctx context.Context) (*runtime, error) {
	cfg := syncconfig.Default()

	st, err := sqlite.Open(ctx, dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("synqctl: open %s: %w", dbPath, err)
	}

	metrics := obsv.NewMetrics()
	queue := syncqueue.New(st.SyncQueue(), cfg.MaxAttempts, metrics)
	qm := queuemgr.New(cfg, metrics)
	repos := registry.New()
	exec := retryexec.New(queue, repos, qm, cfg)

	return &runtime{cfg: cfg, st: st, queue: queue, qm: qm, repos: repos, exec: exec}, nil
}

func (r *runtime) Close() {
	_ = r.st.Close()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
