package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/palacehq/palace/internal/config"
	"github.com/palacehq/palace/internal/embed"
	"github.com/palacehq/palace/internal/retrieval"
	"github.com/palacehq/palace/internal/storage/sqlite"
)

var (
	searchMode string
	searchMax  int
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search memories from the command line",
	Args:  cobra.MinimumNArgs(1),
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
			APIBase: config.GetString("retrieval.embedding-api-base"),
			APIKey:  config.GetString("retrieval.embedding-api-key"),
			Model:   config.GetString("retrieval.embedding-model"),
			Dim:     config.GetInt("retrieval.embedding-dim"),
		})
		pipeline := retrieval.New(store, retrieval.Options{
			Embedder:        embedResult.Embedder,
			AmbiguousMargin: config.GetFloat64("retrieval.intent-ambiguous-margin"),
			Logger:          zerolog.Nop(),
		})

		mode := searchMode
		if mode == "" {
			mode = config.GetString("search.default-mode")
		}
		resp, err := pipeline.Search(ctx, retrieval.Request{
			Query:      strings.Join(args, " "),
			Mode:       mode,
			MaxResults: searchMax,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(resp)
			return nil
		}
		if len(resp.Results) == 0 {
			fmt.Println("No results.")
			return nil
		}
		for i, r := range resp.Results {
			fmt.Printf("%2d. %-40s %.3f  %s\n", i+1, r.URI, r.Score, r.Title)
		}
		if resp.Degraded {
			fmt.Printf("degraded: %s\n", strings.Join(resp.DegradeReasons, ", "))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchMode, "mode", "", "Search mode: keyword, semantic, or hybrid")
	searchCmd.Flags().IntVar(&searchMax, "max", 0, "Maximum results to return")
}
