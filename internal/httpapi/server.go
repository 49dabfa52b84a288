// Package httpapi exposes the maintenance, review, and browse control
// plane over HTTP. Writes require an API key; browse reads do not.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/palacehq/palace/internal/governance"
	"github.com/palacehq/palace/internal/indexer"
	"github.com/palacehq/palace/internal/storage"
	"github.com/palacehq/palace/internal/types"
)

// Options wires the server's collaborators.
type Options struct {
	Governor *governance.Governor
	Cleanup  *governance.CleanupCoordinator
	Worker   *indexer.Worker
	Domains  []string // browse tree roots

	APIKey             string
	AllowInsecureLocal bool
	Logger             zerolog.Logger
}

// Server routes control-plane requests.
type Server struct {
	store    storage.Storage
	governor *governance.Governor
	cleanup  *governance.CleanupCoordinator
	worker   *indexer.Worker
	domains  []string

	apiKey             string
	allowInsecureLocal bool
	log                zerolog.Logger
}

// New builds the server.
func New(store storage.Storage, opts Options) *Server {
	return &Server{
		store:              store,
		governor:           opts.Governor,
		cleanup:            opts.Cleanup,
		worker:             opts.Worker,
		domains:            opts.Domains,
		apiKey:             opts.APIKey,
		allowInsecureLocal: opts.AllowInsecureLocal,
		log:                opts.Logger,
	}
}

// Router assembles the chi routing tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// unauthenticated reads
	r.Get("/browse/tree", s.handleBrowseTree)

	r.Route("/maintenance", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Get("/orphans", s.handleListOrphans)
		r.Get("/orphans/{id}", s.handleGetOrphan)
		r.Delete("/orphans/{id}", s.handleDeleteOrphan)

		r.Post("/vitality/decay", s.handleDecay)
		r.Post("/vitality/candidates/query", s.handleCandidatesQuery)
		r.Post("/vitality/cleanup/prepare", s.handleCleanupPrepare)
		r.Post("/vitality/cleanup/confirm", s.handleCleanupConfirm)

		r.Get("/index/worker", s.handleWorkerStatus)
		r.Get("/index/job/{id}", s.handleGetJob)
		r.Post("/index/job/{id}/cancel", s.handleCancelJob)
		r.Post("/index/job/{id}/retry", s.handleRetryJob)
		r.Post("/index/rebuild", s.handleRebuild)
		r.Post("/index/reindex/{id}", s.handleReindex)
		r.Post("/index/sleep-consolidation", s.handleSleepConsolidation)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the typed error kind onto an HTTP status and a
// machine-readable body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := types.ErrorKind(err)
	status := http.StatusInternalServerError
	switch kind {
	case types.KindInvalidDomain, types.KindInvalidPath, types.KindInvalidTitle:
		status = http.StatusBadRequest
	case types.KindAddressNotFound, types.KindJobNotFound, types.KindReviewNotFound:
		status = http.StatusNotFound
	case types.KindStaleState, types.KindPhraseMismatch, types.KindJobAlreadyFinalized:
		status = http.StatusConflict
	case types.KindReviewExpired:
		status = http.StatusGone
	case types.KindPendingReviewsFull:
		status = http.StatusTooManyRequests
	case types.KindQueueFull:
		status = http.StatusServiceUnavailable
	case "":
		kind = "internal_error"
	}
	s.log.Warn().Err(err).Str("kind", kind).Msg("request failed")
	writeJSON(w, status, map[string]string{"error": kind, "detail": err.Error()})
}

func decodeBody(r *http.Request, into interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}
