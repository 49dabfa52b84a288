// Package tools implements the nine memory operations published to
// clients: read, create, update, delete, alias, search, compact, rebuild,
// and index status. Each operation composes the resolver, write guard,
// write lane, snapshot ledger, index worker, and retrieval pipeline.
package tools

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/palacehq/palace/internal/embed"
	"github.com/palacehq/palace/internal/guard"
	"github.com/palacehq/palace/internal/indexer"
	"github.com/palacehq/palace/internal/lane"
	"github.com/palacehq/palace/internal/ledger"
	"github.com/palacehq/palace/internal/resolver"
	"github.com/palacehq/palace/internal/retrieval"
	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/types"
)

// Defaults for knobs not set in Options.
const (
	DefaultReinforceDelta   = 0.25
	DefaultVitalityMax      = 3.0
	DefaultCompactMaxLines  = 12
	DefaultCompactMinChars  = 280
	DefaultFlushParent      = "notes://sessions"
	DefaultRebuildWaitLimit = 120 * time.Second
)

// Options wires the service's collaborators and tuning.
type Options struct {
	Resolver *resolver.Resolver
	Guard    *guard.Guard
	Lane     *lane.Lane
	Ledger   *ledger.Ledger
	Worker   *indexer.Worker
	Pipeline *retrieval.Pipeline
	Gister   Gister // nil disables llm_gist; the fallback chain still runs

	ReinforceDelta  float64
	VitalityMax     float64
	ChunkSize       int
	ChunkOverlap    int
	CompactMaxLines int
	CompactMinChars int
	FlushParent     string // parent address for compact_context flushes
	Logger          zerolog.Logger
}

// Service executes tool operations against one store.
type Service struct {
	store    storage.Storage
	resolver *resolver.Resolver
	guard    *guard.Guard
	lane     *lane.Lane
	ledger   *ledger.Ledger
	worker   *indexer.Worker
	pipeline *retrieval.Pipeline
	gister   Gister

	reinforceDelta  float64
	vitalityMax     float64
	chunkSize       int
	chunkOverlap    int
	compactMaxLines int
	compactMinChars int
	flushParent     string
	log             zerolog.Logger
}

// New builds the tool service. Zero option fields fall back to defaults.
func New(store storage.Storage, opts Options) *Service {
	if opts.ReinforceDelta <= 0 {
		opts.ReinforceDelta = DefaultReinforceDelta
	}
	if opts.VitalityMax <= 0 {
		opts.VitalityMax = DefaultVitalityMax
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = embed.DefaultChunkSize
	}
	if opts.ChunkOverlap <= 0 {
		opts.ChunkOverlap = embed.DefaultChunkOverlap
	}
	if opts.CompactMaxLines < 3 {
		opts.CompactMaxLines = DefaultCompactMaxLines
	}
	if opts.CompactMinChars <= 0 {
		opts.CompactMinChars = DefaultCompactMinChars
	}
	if opts.FlushParent == "" {
		opts.FlushParent = DefaultFlushParent
	}
	return &Service{
		store:           store,
		resolver:        opts.Resolver,
		guard:           opts.Guard,
		lane:            opts.Lane,
		ledger:          opts.Ledger,
		worker:          opts.Worker,
		pipeline:        opts.Pipeline,
		gister:          opts.Gister,
		reinforceDelta:  opts.ReinforceDelta,
		vitalityMax:     opts.VitalityMax,
		chunkSize:       opts.ChunkSize,
		chunkOverlap:    opts.ChunkOverlap,
		compactMaxLines: opts.CompactMaxLines,
		compactMinChars: opts.CompactMinChars,
		flushParent:     opts.FlushParent,
		log:             opts.Logger,
	}
}

// enqueueReindex queues an index refresh for the memory and folds the
// outcome into the stats and degrade reasons.
func (s *Service) enqueueReindex(memoryID int64, reason string, stats *types.EnqueueStats, degrades *[]string) {
	if s.worker == nil {
		return
	}
	_, outcome := s.worker.Enqueue(types.TaskReindexMemory, memoryID, reason)
	stats.Add(outcome)
	if outcome == types.EnqueueDropped {
		*degrades = appendUnique(*degrades, types.DegradeIndexEnqueueDropped)
	}
}

// newSessionID mints a session id like mcp_20260824_153000_a1b2c3.
func newSessionID(now time.Time) string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("mcp_%s_%06d", now.UTC().Format("20060102_150405"), now.Nanosecond()%1000000)
	}
	return fmt.Sprintf("mcp_%s_%s", now.UTC().Format("20060102_150405"), hex.EncodeToString(buf))
}

func appendUnique(list []string, item string) []string {
	for _, v := range list {
		if v == item {
			return list
		}
	}
	return append(list, item)
}
