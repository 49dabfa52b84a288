package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/palacehq/palace/internal/config"
	"github.com/palacehq/palace/internal/embed"
	"github.com/palacehq/palace/internal/guard"
	"github.com/palacehq/palace/internal/lane"
	"github.com/palacehq/palace/internal/ledger"
	"github.com/palacehq/palace/internal/resolver"
	"github.com/palacehq/palace/internal/storage/sqlite"
	"github.com/palacehq/palace/internal/tools"
)

var (
	rememberTitle      string
	rememberPriority   int
	rememberDisclosure string
)

var rememberCmd = &cobra.Command{
	Use:   "remember <parent-uri> <content>",
	Short: "Create a memory under a parent address",
	Long: `Create a memory under a parent address, e.g.:

  palace remember notes://deploys "canary rollout needs two approvals"

The write guard still runs: near-duplicates are refused with a pointer
to the existing memory.`,
	Args: cobra.ExactArgs(2),
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

		embedResult := embed.Build(embed.Config{
			Backend: config.GetString("retrieval.embedding-backend"),
			Dim:     config.GetInt("retrieval.embedding-dim"),
		})
		wl := lane.New(int64(config.GetInt("lane.global-concurrency")), config.GetDuration("lane.wait-timeout"))
		svc := tools.New(store, tools.Options{
			Resolver: resolver.New(store, config.GetStringSlice("domains.valid"), config.GetStringSlice("domains.core-memory-uris")),
			Guard:    guard.New(store, embedResult.Embedder, nil),
			Lane:     wl,
			Ledger:   ledger.New(store, wl),
			Logger:   zerolog.Nop(),
		})

		result, err := svc.CreateMemory(ctx, tools.CreateRequest{
			Parent:     args[0],
			Content:    args[1],
			Title:      rememberTitle,
			Priority:   rememberPriority,
			Disclosure: rememberDisclosure,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(result)
			return nil
		}
		if !result.Created {
			fmt.Printf("not created: %s\n", result.Message)
			return nil
		}
		fmt.Printf("created %s (memory %d)\n", result.URI, result.MemoryID)
		return nil
	},
}

func init() {
	rememberCmd.Flags().StringVar(&rememberTitle, "title", "", "Title segment for the new address")
	rememberCmd.Flags().IntVar(&rememberPriority, "priority", 0, "Priority (lower loads earlier)")
	rememberCmd.Flags().StringVar(&rememberDisclosure, "disclosure", "", "Disclosure note shown before content")
}
