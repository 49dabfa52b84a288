package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/palacehq/palace/internal/config"
	"github.com/palacehq/palace/internal/embed"
	"github.com/palacehq/palace/internal/governance"
	"github.com/palacehq/palace/internal/guard"
	"github.com/palacehq/palace/internal/httpapi"
	"github.com/palacehq/palace/internal/indexer"
	"github.com/palacehq/palace/internal/lane"
	"github.com/palacehq/palace/internal/ledger"
	"github.com/palacehq/palace/internal/llm"
	"github.com/palacehq/palace/internal/rerank"
	"github.com/palacehq/palace/internal/resolver"
	"github.com/palacehq/palace/internal/retrieval"
	"github.com/palacehq/palace/internal/storage/sqlite"
	"github.com/palacehq/palace/internal/tools"
	"github.com/palacehq/palace/internal/types"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory daemon and HTTP control plane",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	log := buildLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPath, err := resolveDBPath()
	if err != nil {
		return err
	}
	store, err := sqlite.NewWithOptions(ctx, dbPath, sqlite.Options{
		MigrationLockFile:    config.GetString("db.migration-lock-file"),
		MigrationLockTimeout: config.GetDuration("db.migration-lock-timeout"),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()
	log.Info().Str("db", dbPath).Msg("store opened")

	embedResult := embed.Build(embed.Config{
		Backend: config.GetString("retrieval.embedding-backend"),
		APIBase: config.GetString("retrieval.embedding-api-base"),
		APIKey:  config.GetString("retrieval.embedding-api-key"),
		Model:   config.GetString("retrieval.embedding-model"),
		Dim:     config.GetInt("retrieval.embedding-dim"),
	})
	if embedResult.DegradeReason != "" {
		log.Warn().Str("reason", embedResult.DegradeReason).Msg("embedding backend degraded")
	}

	var reranker rerank.Reranker
	if config.GetBool("retrieval.reranker-enabled") {
		rcfg := rerank.Config{
			APIBase: config.GetString("retrieval.reranker-api-base"),
			APIKey:  config.GetString("retrieval.reranker-api-key"),
			Model:   config.GetString("retrieval.reranker-model"),
		}
		if rcfg.Configured() {
			reranker = rerank.New(rcfg)
		} else {
			log.Warn().Msg("reranker enabled but not configured; stage disabled")
		}
	}

	var arbiter guard.Arbiter
	if config.GetBool("guard.llm-enabled") {
		client, err := llm.New(config.GetString("guard.llm-api-key"), config.GetString("guard.llm-model"))
		if err != nil {
			log.Warn().Err(err).Msg("guard arbiter unavailable; falling back to heuristics")
		} else {
			arbiter = client
		}
	}

	var gister tools.Gister
	if config.GetBool("compact.gist-llm-enabled") {
		key := config.GetString("compact.gist-llm-api-key")
		if key == "" {
			key = config.GetString("guard.llm-api-key")
		}
		client, err := llm.New(key, config.GetString("compact.gist-llm-model"))
		if err != nil {
			log.Warn().Err(err).Msg("gist model unavailable; compact falls back to extraction")
		} else {
			gister = client
		}
	}

	domains := config.GetStringSlice("domains.valid")
	res := resolver.New(store, domains, config.GetStringSlice("domains.core-memory-uris"))
	wg := guard.New(store, embedResult.Embedder, arbiter)
	wl := lane.New(int64(config.GetInt("lane.global-concurrency")), config.GetDuration("lane.wait-timeout"))
	led := ledger.New(store, wl)

	governor := governance.NewGovernor(store,
		governance.VitalityConfig{
			HalfLifeDays:   config.GetFloat64("vitality.decay-half-life-days"),
			Floor:          config.GetFloat64("vitality.floor"),
			Max:            config.GetFloat64("vitality.max"),
			ReinforceDelta: config.GetFloat64("vitality.reinforce-delta"),
		},
		governance.SleepConfig{
			DedupThreshold: config.GetFloat64("sleep.dedup-threshold"),
			RollupMaxChars: config.GetInt("sleep.rollup-max-chars"),
			ApplyDedup:     config.GetBool("sleep.dedup-apply"),
			ApplyRollup:    config.GetBool("sleep.rollup-apply"),
			Embedder:       embedResult.Embedder,
		},
		log)

	worker := indexer.New(store, indexer.Options{
		QueueCapacity: config.GetInt("index.queue-capacity"),
		RecentRing:    config.GetInt("index.recent-jobs-ring"),
		Embedder:      embedResult.Embedder,
		Sleep:         governor.RunSleepConsolidation,
		Logger:        log,
	})
	worker.Start()
	defer worker.Stop()

	scheduler := governance.NewScheduler(governor, time.Hour)
	scheduler.Start()
	defer scheduler.Stop()

	pipeline := retrieval.New(store, retrieval.Options{
		Embedder:        embedResult.Embedder,
		Reranker:        reranker,
		Ring:            retrieval.NewSessionRing(0),
		RerankWeight:    config.GetFloat64("retrieval.reranker-weight"),
		AmbiguousMargin: config.GetFloat64("retrieval.intent-ambiguous-margin"),
		Logger:          log,
	})

	// The tool service is constructed here so the daemon validates the
	// full wiring at startup; transports bind to it separately.
	svc := tools.New(store, tools.Options{
		Resolver:        res,
		Guard:           wg,
		Lane:            wl,
		Ledger:          led,
		Worker:          worker,
		Pipeline:        pipeline,
		Gister:          gister,
		ReinforceDelta:  config.GetFloat64("vitality.reinforce-delta"),
		VitalityMax:     config.GetFloat64("vitality.max"),
		ChunkSize:       config.GetInt("retrieval.chunk-size"),
		ChunkOverlap:    config.GetInt("retrieval.chunk-overlap"),
		CompactMaxLines: config.GetInt("compact.max-lines"),
		FlushParent:     config.GetString("compact.flush-parent"),
		Logger:          log,
	})
	log.Info().Int("queue_depth", svc.IndexStatus().QueueDepth).Msg("tool service ready")

	cleanup := governance.NewCleanupCoordinator(store,
		config.GetDuration("cleanup.review-ttl"),
		config.GetInt("cleanup.max-pending-reviews"),
		config.GetFloat64("vitality.max"))

	server := httpapi.New(store, httpapi.Options{
		Governor:           governor,
		Cleanup:            cleanup,
		Worker:             worker,
		Domains:            domains,
		APIKey:             config.GetString("mcp.api-key"),
		AllowInsecureLocal: config.GetBool("mcp.allow-insecure-local"),
		Logger:             log,
	})

	httpSrv := &http.Server{
		Addr:              config.GetString("http.listen"),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	watcherDone, err := watchStoreFile(ctx, dbPath, worker, log)
	if err != nil {
		log.Warn().Err(err).Msg("store file watcher unavailable")
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("listen", httpSrv.Addr).Msg("control plane listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if watcherDone != nil {
		<-watcherDone
	}
	return nil
}

// watchStoreFile enqueues an index rebuild when the database file changes
// under us, e.g. another process restoring a backup. Events are debounced;
// the worker dedupes rebuilds already queued.
func watchStoreFile(ctx context.Context, dbPath string, worker *indexer.Worker, log zerolog.Logger) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(dbPath)); err != nil {
		watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer watcher.Close()

		var mu sync.Mutex
		var pending *time.Timer
		fire := func() {
			_, outcome := worker.Enqueue(types.TaskRebuildIndex, 0, "store file changed on disk")
			log.Info().Str("outcome", outcome).Msg("rebuild enqueued after external change")
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != dbPath || (!ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create)) {
					continue
				}
				mu.Lock()
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(2*time.Second, fire)
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("store watcher error")
			}
		}
	}()
	return done, nil
}

// buildLogger assembles the process logger from config. When log.file is
// set the output rotates; otherwise it goes to stderr.
func buildLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(config.GetString("log.level"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var w zerolog.Logger
	if file := config.GetString("log.file"); file != "" {
		w = zerolog.New(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		})
	} else {
		w = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return w.Level(level).With().Timestamp().Logger()
}

// resolveDBPath picks the configured database path or defaults to
// ~/.palace/palace.db, creating the directory when needed.
func resolveDBPath() (string, error) {
	if path := config.GetString("db.path"); path != "" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".palace")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return filepath.Join(dir, "palace.db"), nil
}
