// Package query defines the query-execution collaborator contract and a gRPC
// client for it.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/insight-chat/internal/domain"
	"github.com/containerd/errdefs"
)

// Stats describes the cost of one execution.
type Stats struct {
	ExecutionTimeMs int64 `json:"execution_time_ms"`
	BytesProcessed  int64 `json:"bytes_processed"`
	CacheHit        bool  `json:"cache_hit"`
}

// Result is a successful execution.
type Result struct {
	Rows     []domain.Row
	RowCount int
	Stats    Stats
}

// ToExecutionResult converts r into the persisted block representation.
func (r *Result) ToExecutionResult() *domain.ExecutionResult {
	return &domain.ExecutionResult{
		Data:            r.Rows,
		RowCount:        r.RowCount,
		ExecutionTimeMs: r.Stats.ExecutionTimeMs,
		BytesProcessed:  r.Stats.BytesProcessed,
	}
}

// Metadata is the raw schema payload served by the query service.
type Metadata struct {
	Schema    map[string]any
	Examples  []string
	TableList []string
	Insights  []string
}

// Executor runs queries. Implementations must be safe for concurrent use.
type Executor interface {
	Execute(ctx context.Context, query string, maxRows int) (*Result, error)
	FetchMetadata(ctx context.Context) (*Metadata, error)
}

// ErrorKind categorises execution failures.
type ErrorKind string

const (
	KindSyntax     ErrorKind = "syntax"
	KindPermission ErrorKind = "permission"
	KindNotFound   ErrorKind = "not_found"
	KindGeneric    ErrorKind = "generic"
)

// Error is an execution failure reported by the query engine.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("query %s error: %s", e.Kind, e.Message)
}

// Unwrap exposes the errdefs class so callers can use errdefs.IsNotFound and friends.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError builds an Error whose cause is the errdefs sentinel for kind.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: sentinelFor(kind)}
}

// KindOf returns the kind of err, or KindGeneric when err is not an execution error.
func KindOf(err error) ErrorKind {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	return classify(err)
}

// ParseKind maps the service's error_kind string to an ErrorKind.
func ParseKind(s string) ErrorKind {
	switch ErrorKind(s) {
	case KindSyntax, KindPermission, KindNotFound:
		return ErrorKind(s)
	case "notfound", "not-found":
		return KindNotFound
	default:
		return KindGeneric
	}
}

func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindSyntax:
		return errdefs.ErrInvalidArgument
	case KindPermission:
		return errdefs.ErrPermissionDenied
	case KindNotFound:
		return errdefs.ErrNotFound
	default:
		return errdefs.ErrUnknown
	}
}

func classify(err error) ErrorKind {
	switch {
	case errdefs.IsInvalidArgument(err):
		return KindSyntax
	case errdefs.IsPermissionDenied(err), errdefs.IsUnauthorized(err):
		return KindPermission
	case errdefs.IsNotFound(err):
		return KindNotFound
	default:
		return KindGeneric
	}
}
