package cpg

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable means the backend process or server cannot be
	// reached. It is fatal to the whole analysis run.
	ErrBackendUnavailable = errors.New("graph backend unavailable")

	// ErrQueryTimeout means a single query exceeded its deadline. It is
	// local to the query that raised it.
	ErrQueryTimeout = errors.New("graph query timed out")

	// ErrSessionClosed is returned by queries issued after Close.
	ErrSessionClosed = errors.New("graph session closed")
)

// QueryError attaches the offending query text to a backend failure.
type QueryError struct {
	Query string
	Err   error
}

func (e *QueryError) Error() string {
	q := e.Query
	if len(q) > 120 {
		q = q[:120] + "..."
	}
	return fmt.Sprintf("query %q: %v", q, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// classify turns a transport-level error into one of the package sentinels.
// A deadline on the caller's context becomes ErrQueryTimeout; a cancelled
// caller context is passed through unchanged.
func classify(ctx context.Context, query string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("query interrupted: %w", ctx.Err())
	}
	if errors.Is(err, ErrQueryTimeout) || errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrSessionClosed) {
		return &QueryError{Query: query, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &QueryError{Query: query, Err: fmt.Errorf("%w: %v", ErrQueryTimeout, err)}
	}
	return &QueryError{Query: query, Err: fmt.Errorf("%w: %v", ErrBackendUnavailable, err)}
}
