// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable; clients branch on them. Generic
// codes mirror HTTP status semantics, domain codes name engine failures that
// the status alone cannot convey.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "unknown_backend",
//	  "message": "backend is not configured"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Domain-specific:
	ErrCodeInvalidTimeline = "invalid_timeline"
	ErrCodeInvalidAccounts = "invalid_accounts"
	ErrCodeInvalidAction   = "invalid_action"
	ErrCodeUnknownBackend  = "unknown_backend"
	ErrCodeUnknownStream   = "unknown_stream"
	ErrCodeEngineIdle      = "engine_idle"
	ErrCodeUpstreamFailed  = "upstream_failed"
	ErrCodeStorageFailed   = "storage_failed"
)
