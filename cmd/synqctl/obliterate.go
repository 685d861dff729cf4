package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/andreystavitsky/synquill-go/internal/repository"
)

var obliterateConfirm bool

var obliterateCmd = &cobra.Command{
	Use:   "obliterate",
	Short: "Wipe the local sync queue and every registered model's local rows",
	Long: `Cancels every admission still waiting for a queue ticket (work
already admitted is not cancelled), clears the durable sync queue, and
truncates every registered model's local rows. Registrations
themselves, and the database file, are left intact.

Requires --confirm: this is destructive and, for models the running
process never registered, their tables are left untouched (synqctl has no
way to discover model types it wasn't told about).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !obliterateConfirm {
			return fmt.Errorf("synqctl: refusing to obliterate without --confirm")
		}

		ctx := cmd.Context()
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := repository.ObliterateLocalStorage(ctx, rt.queue, rt.qm, rt.repos, obliterateConfirm); err != nil {
			return fmt.Errorf("synqctl: obliterate: %w", err)
		}
		fmt.Println("local storage obliterated")
		return nil
	},
}

func init() {
	obliterateCmd.Flags().BoolVar(&obliterateConfirm, "confirm", false, "required to actually perform the obliterate")
	rootCmd.AddCommand(obliterateCmd)
}
