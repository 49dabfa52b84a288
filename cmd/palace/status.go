package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/palacehq/palace/internal/config"
	"github.com/palacehq/palace/internal/governance"
	"github.com/palacehq/palace/internal/storage/sqlite"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		dbPath, err := resolveDBPath()
		if err != nil {
			return err
		}
		store, err := sqlite.New(ctx, dbPath)
		if err != nil {
			return err
		}
		defer store.Close()

		domains := config.GetStringSlice("domains.valid")
		counts := make(map[string]int, len(domains))
		total := 0
		for _, domain := range domains {
			entries, err := store.ListChildren(ctx, domain, "")
			if err != nil {
				return err
			}
			counts[domain] = len(entries)
			total += len(entries)
		}
		orphans, err := store.ListOrphans(ctx)
		if err != nil {
			return err
		}

		governor := governance.NewGovernor(store, governance.VitalityConfig{}, governance.SleepConfig{}, zerolog.Nop())
		report, err := governor.LastSleepReport(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			out := map[string]interface{}{
				"db":      dbPath,
				"paths":   counts,
				"orphans": len(orphans),
			}
			if report != nil {
				out["last_sleep"] = report
			}
			outputJSON(out)
			return nil
		}

		fmt.Printf("database: %s\n", dbPath)
		fmt.Printf("paths:    %d\n", total)
		for _, domain := range domains {
			fmt.Printf("  %-10s %d\n", domain, counts[domain])
		}
		fmt.Printf("orphans:  %d\n", len(orphans))
		if report != nil {
			fmt.Printf("last sleep consolidation: %s (%d dedup clusters, %d rollups)\n",
				report.RanAt.Format("2006-01-02 15:04"), len(report.DedupClusters), len(report.Rollups))
		}
		return nil
	},
}
