package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var queueJSON bool

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueListCmd.Flags().BoolVar(&queueJSON, "json", false, "print as JSON")
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the offline action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending actions in the order they will be replayed",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := mustRuntime()
		defer rt.Close()

		actions := rt.queue.GetPendingActions()
		if queueJSON {
			return printJSON(actions)
		}
		if len(actions) == 0 {
			fmt.Println("No pending actions.")
			return nil
		}
		fmt.Printf("%-36s  %-24s  %-7s  %s\n", "ID", "TYPE", "RETRIES", "CREATED")
		for _, a := range actions {
			fmt.Printf("%-36s  %-24s  %d/%-5d  %s\n",
				a.ID, a.Type, a.RetryCount, a.MaxRetries, a.CreatedAt.Format("2006-01-02 15:04:05"))
			if a.LastError != "" {
				fmt.Printf("    last error: %s\n", a.LastError)
			}
		}
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every pending action and offline record",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := mustRuntime()
		defer rt.Close()

		n := rt.queue.Len()
		rt.queue.ClearPendingActions(context.Background())
		fmt.Printf("Cleared %d pending action(s)\n", n)
		return nil
	},
}
