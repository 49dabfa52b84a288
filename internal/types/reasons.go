package types

import "errors"

// Degrade reasons. Degrade-tolerant stages never fail the caller; they fall
// back and append one of these tags so the client can tell a full answer
// from a weakened one.
const (
	DegradeEmptyQuery                  = "empty_query"
	DegradeQueryPreprocessFailed       = "query_preprocess_failed"
	DegradeEmbeddingRequestFailed      = "embedding_request_failed"
	DegradeEmbeddingConfigMissing      = "embedding_config_missing"
	DegradeEmbeddingFallbackHash       = "embedding_fallback_hash"
	DegradeEmbeddingBackendUnsupported = "embedding_backend_unsupported"
	DegradeVectorBackendDisabled       = "vector_backend_disabled"
	DegradeRerankerConfigMissing       = "reranker_config_missing"
	DegradeRerankerRequestFailed       = "reranker_request_failed"
	DegradeRerankerResponseInvalid     = "reranker_response_invalid"
	DegradeWriteGuardLLMFailed         = "write_guard_llm_failed"
	DegradeWriteGuardLLMInvalid        = "write_guard_llm_invalid"
	DegradeCompactGistLLMFailed        = "compact_gist_llm_failed"
	DegradeCompactGistLLMEmpty         = "compact_gist_llm_empty"
	DegradeIndexEnqueueDropped         = "index_enqueue_dropped"
)

// Error kinds carried on typed errors and surfaced in wire responses.
const (
	KindInvalidDomain        = "invalid_domain"
	KindInvalidPath          = "invalid_path"
	KindInvalidTitle         = "invalid_title"
	KindAddressNotFound      = "address_not_found"
	KindPatchNotFound        = "patch_not_found"
	KindPatchAmbiguous       = "patch_ambiguous"
	KindLaneTimeout          = "lane_timeout"
	KindStaleState           = "stale_state"
	KindQueueFull            = "queue_full"
	KindJobNotFound          = "job_not_found"
	KindJobAlreadyFinalized  = "job_already_finalized"
	KindWaitTimeout          = "wait_timeout"
	KindReviewNotFound       = "review_not_found"
	KindReviewExpired        = "review_expired"
	KindPhraseMismatch       = "confirmation_phrase_mismatch"
	KindPendingReviewsFull   = "pending_reviews_full"
	KindMigrationLockTimeout = "migration_lock_timeout"
	KindChecksumMismatch     = "migration_checksum_mismatch"
)

// Error is a typed error carrying a machine-readable kind alongside the
// human-readable message.
type Error struct {
	Kind string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Msg
}

// NewError builds a typed error for the given kind.
func NewError(kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// ErrorKind extracts the kind from an error chain, or "" when no typed
// error is present.
func ErrorKind(err error) string {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
