// Package services defines the business logic of the sync engine: ingestion,
// retention, timeline configuration and projections. This file centralizes
// common service-level error values so that they can be consistently returned
// by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEntity is returned when a wire entity lacks an id or carries
	// an unparsable created_at timestamp.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrInvalidCategory is returned for a category that is not a status
	// membership category (home, local, public, tag).
	ErrInvalidCategory = errors.New("invalid timeline category")

	// ErrInvalidAction is returned for an unknown interaction flag.
	ErrInvalidAction = errors.New("invalid action kind")

	// ErrStatusNotFound indicates that no stored record matched an action.
	ErrStatusNotFound = errors.New("status not found")

	// ErrTimelineNotFound indicates that no timeline config has the given id.
	ErrTimelineNotFound = errors.New("timeline not found")

	// ErrInvalidTimeline is returned when a submitted timeline config fails
	// validation (missing id, unknown type, duplicate id, empty tag list).
	ErrInvalidTimeline = errors.New("invalid timeline config")

	// ErrUnknownBackend is returned when a backend URL is not configured.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrNoFetcher is returned by network-backed operations when the
	// service was built without a page fetcher.
	ErrNoFetcher = errors.New("no page fetcher configured")
)

// StorageError wraps a failed store operation. Op names the logical
// operation (e.g. "upsert", "sweep.ttl").
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// storageErr wraps err unless it is nil or already a service-level sentinel.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, s := range []error{ErrInvalidEntity, ErrInvalidCategory, ErrInvalidAction, ErrStatusNotFound} {
		if errors.Is(err, s) {
			return err
		}
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// OrFallback resolves a storage result to fallback when err is a
// *StorageError. Other errors are returned unchanged.
func OrFallback[T any](v T, err error, fallback T) (T, error) {
	if err == nil {
		return v, nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return fallback, nil
	}
	return v, err
}
