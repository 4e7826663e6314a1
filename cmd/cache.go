package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/health-report/internal/model"
)

var cacheLimit int

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the task result cache",
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached task results, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		ch, err := openCache(ctx, cfg)
		if err != nil {
			return err
		}
		defer ch.Close()

		entries, err := ch.List(ctx, cacheLimit)
		if err != nil {
			return err
		}
		return printEntries(cmd, entries)
	},
}

func printEntries(cmd *cobra.Command, entries []model.CacheEntry) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tFINGERPRINT\tREF\tCREATED")
	for _, e := range entries {
		fp := e.Fingerprint
		if len(fp) > 12 {
			fp = fp[:12]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Kind, fp, e.Ref, e.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func init() {
	cacheLsCmd.Flags().IntVar(&cacheLimit, "limit", 50, "maximum entries to list (0 for all)")
	cacheCmd.AddCommand(cacheLsCmd)
	rootCmd.AddCommand(cacheCmd)
}
