// Package source defines the uniform CRUD + batch-query contract every
// data origin implements, whether it is a native (local, single-writer)
// outline store or an external, eventually-consistent provider (task
// trackers, mail, calendars, issue trackers).
package source

import (
	"context"
	"time"
)

// Source is the contract exposed by every data origin for entity type T.
type Source[T any] interface {
	GetAll(ctx context.Context) ([]T, error)
	GetByID(ctx context.Context, id string) (T, bool, error)
	Insert(ctx context.Context, item T) (id string, err error)
	Update(ctx context.Context, id string, updates Updates[T]) error
	Delete(ctx context.Context, id string) error

	// SourceName identifies the origin for cache_metadata bookkeeping.
	SourceName() string

	// IsLocal reports whether this source is authoritative and
	// linearizable (true) or eventually consistent (false). Local
	// sources never produce Conflict or RateLimit errors.
	IsLocal() bool
}

// Updates is re-exported under the source package for call-site
// convenience; callers should prefer value.Updates directly. Defined
// here as a type parameter alias avoids an import cycle between source
// and value for packages that only need the source contract.
type Updates[T any] interface {
	Apply(item T) (T, error)
}

// WebhookRegistrar is implemented by external sources that can push
// change notifications instead of being polled.
type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context, url string) error
}

// FetchResult is the outcome of a conditional poll.
type FetchResult[T any] struct {
	NotModified bool
	Items       []T
	ETag        string
}

// ETagFetcher is implemented by external sources that support
// conditional (If-None-Match-style) polling.
type ETagFetcher[T any] interface {
	FetchAllWithETag(ctx context.Context, etag string) (FetchResult[T], error)
}

// BatchResult is one item's outcome within a BatchUpdater call.
type BatchResult struct {
	ID  string
	Err error
}

// BatchUpdater is implemented by external sources that can apply several
// updates in a single round trip.
type BatchUpdater[T any] interface {
	BatchUpdate(ctx context.Context, updates map[string]Updates[T]) ([]BatchResult, error)
}

// ErrorKind is the closed taxonomy of source errors (§4.2).
type ErrorKind uint8

const (
	ErrKindNotFound ErrorKind = iota
	ErrKindConflict
	ErrKindRateLimit
	ErrKindPermissionDenied
	ErrKindNetwork
	ErrKindValidation
	ErrKindSerialization
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindNotFound:
		return "not_found"
	case ErrKindConflict:
		return "conflict"
	case ErrKindRateLimit:
		return "rate_limit"
	case ErrKindPermissionDenied:
		return "permission_denied"
	case ErrKindNetwork:
		return "network"
	case ErrKindValidation:
		return "validation"
	case ErrKindSerialization:
		return "serialization"
	default:
		return "unknown"
	}
}

// Error is the structured error type every Source implementation returns
// for expected failure modes.
type Error struct {
	Kind ErrorKind

	// ServerVersion is set on ErrKindConflict.
	ServerVersion string

	// RetryAfter is set on ErrKindRateLimit.
	RetryAfter time.Duration

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(err error) *Error { return &Error{Kind: ErrKindNotFound, Err: err} }

func Conflict(serverVersion string) *Error {
	return &Error{Kind: ErrKindConflict, ServerVersion: serverVersion}
}

func RateLimit(retryAfter time.Duration) *Error {
	return &Error{Kind: ErrKindRateLimit, RetryAfter: retryAfter}
}

func PermissionDenied(err error) *Error {
	return &Error{Kind: ErrKindPermissionDenied, Err: err}
}

func Network(err error) *Error { return &Error{Kind: ErrKindNetwork, Err: err} }

func Validation(err error) *Error { return &Error{Kind: ErrKindValidation, Err: err} }

func Serialization(err error) *Error { return &Error{Kind: ErrKindSerialization, Err: err} }

// IsKind reports whether err (or something it wraps) is a source Error of
// the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			se = e
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return se != nil && se.Kind == kind
}
