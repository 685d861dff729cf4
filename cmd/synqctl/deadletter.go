package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/andreystavitsky/synquill-go/internal/store"
)

var deadLetterCmd = &cobra.Command{
	Use:   "dead-letter",
	Short: "Inspect and recover dead-lettered sync queue entries",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List entries that exhausted max-attempts",
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

		found := false
		for _, e := range tasks {
			if e.Status != store.StatusDead {
				continue
			}
			found = true
			fmt.Printf("%d\t%s\t%s\t%s\tattempts=%d\tlast_error=%s\n",
				e.ID, e.ModelType, e.ModelID, e.Op, e.AttemptCount, e.LastError)
		}
		if !found {
			fmt.Println("no dead-lettered entries")
		}
		return nil
	},
}

var deadLetterRequeueCmd = &cobra.Command{
	Use:   "requeue <entry-id>",
	Short: "Reset a dead-lettered entry back to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("synqctl: invalid entry id %q: %w", args[0], err)
		}

		ctx := cmd.Context()
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.queue.Requeue(ctx, id); err != nil {
			return fmt.Errorf("synqctl: requeue %d: %w", id, err)
		}
		fmt.Printf("entry %d requeued\n", id)
		return nil
	},
}

func init() {
	deadLetterCmd.AddCommand(deadLetterListCmd, deadLetterRequeueCmd)
	rootCmd.AddCommand(deadLetterCmd)
}
