package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var cacheJSON bool

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
	cacheListCmd.Flags().BoolVar(&cacheJSON, "json", false, "print as JSON")
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the persisted response cache",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := mustRuntime()
		defer rt.Close()

		entries := rt.cache.Entries()
		if cacheJSON {
			return printJSON(entries)
		}
		if len(entries) == 0 {
			fmt.Println("Cache is empty.")
			return nil
		}
		for _, e := range entries {
			state := "live"
			if e.Expired {
				state = "expired"
			}
			fmt.Printf("%-40s  %-6s  %-7s  expires %s  tags=%s\n",
				e.Key, e.Priority, state, e.ExpiresAt.Format("2006-01-02 15:04:05"), strings.Join(e.Tags, ","))
		}
		stats := rt.cache.Stats()
		fmt.Printf("\n%d/%d entries\n", stats.Size, stats.MaxSize)
		return nil
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <tag>",
	Short: "Remove every cache entry carrying a tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt := mustRuntime()
		defer rt.Close()

		n := rt.cache.InvalidateByTag(args[0])
		fmt.Printf("Removed %d entr(ies) tagged %q\n", n, args[0])
		return nil
	},
}
