package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Force an immediate drain pass over due sync queue entries",
	Long: `Dispatches every due entry right now instead of waiting for the
next poll tick. Only model types registered in this process's
internal/registry.Registry can actually dispatch; entries for any other
model type fail immediately and back off, same as a missing registration
at runtime.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		n, err := rt.exec.ProcessDueTasksNow(ctx, true)
		if err != nil {
			return fmt.Errorf("synqctl: drain: %w", err)
		}
		fmt.Printf("dispatched %d due entries\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(drainCmd)
}
