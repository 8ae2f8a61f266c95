// Package collab classifies failures from external collaborators
// (LLM providers, note search, POI lookup, cache tiers) so callers
// can decide between retrying, degrading and surfacing.
package collab

import (
	"errors"
	"fmt"
)

// Kind describes how a collaborator failure should be handled.
type Kind int

const (
	// Transient failures are worth retrying with backoff.
	Transient Kind = iota
	// Permanent failures are surfaced immediately, no retry.
	Permanent
	// CacheUnavailable means a cache tier is down; callers degrade
	// to the remaining tier instead of failing the operation.
	CacheUnavailable
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case CacheUnavailable:
		return "cache_unavailable"
	default:
		return "unknown"
	}
}

// Error is a classified collaborator failure.
type Error struct {
	Kind         Kind
	Collaborator string
	Err          error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Collaborator, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient wraps err as a retryable failure of the named collaborator.
func NewTransient(collaborator string, err error) *Error {
	return &Error{Kind: Transient, Collaborator: collaborator, Err: err}
}

// NewPermanent wraps err as a non-retryable failure of the named collaborator.
func NewPermanent(collaborator string, err error) *Error {
	return &Error{Kind: Permanent, Collaborator: collaborator, Err: err}
}

// NewCacheUnavailable wraps err as a cache tier outage.
func NewCacheUnavailable(tier string, err error) *Error {
	return &Error{Kind: CacheUnavailable, Collaborator: tier, Err: err}
}

// IsTransient reports whether err is a retryable collaborator failure.
// Unclassified errors are treated as transient so a flaky dependency
// does not fail a whole phase on first contact.
func IsTransient(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == Transient
	}
	return err != nil
}

// IsPermanent reports whether err is a non-retryable collaborator failure.
func IsPermanent(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == Permanent
}

// IsCacheUnavailable reports whether err is a cache tier outage.
func IsCacheUnavailable(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == CacheUnavailable
}

// ErrAllPhasesFailed is returned when every search phase failed and no
// candidates survived; it is the only condition that terminates a run
// in the error state.
var ErrAllPhasesFailed = errors.New("all search phases failed with no usable candidates")
