package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/andreystavitsky/synquill-go/internal/queuemgr"
	"github.com/andreystavitsky/synquill-go/internal/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sync queue status counts and admission ticket usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		tasks, err := rt.queue.GetAllTasks(ctx)
		if err != nil {
			return fmt.Errorf("synqctl: list tasks: %w", err)
		}

		counts := map[store.Status]int{}
		for _, e := range tasks {
			counts[e.Status]++
		}

		fmt.Println("sync_queue:")
		for _, s := range []store.Status{store.StatusPending, store.StatusInProgress, store.StatusDead} {
			fmt.Printf("  %-12s %d\n", s, counts[s])
		}

		fmt.Println("admission queues:")
		qstats := rt.qm.Stats()
		names := make([]queuemgr.Name, 0, len(qstats))
		for name := range qstats {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
		for _, name := range names {
			st := qstats[name]
			fmt.Printf("  %-12s in_use=%d capacity=%d\n", name, st.InUse, st.Capacity)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
