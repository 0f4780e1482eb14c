package cpg

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Session is one live connection to a graph backend. Implementations must
// serialise queries internally; callers may share a Session between
// goroutines.
type Session interface {
	// Query evaluates one statement and returns its raw textual output.
	Query(ctx context.Context, query string) (string, error)
	// Generation increases every time the backend is restarted. Cached
	// results from an older generation are stale.
	Generation() int64
	// Restart tears the backend down and brings it back up.
	Restart(ctx context.Context) error
	// Close shuts the backend down. Queries after Close fail with
	// ErrSessionClosed.
	Close() error
}

// SessionOptions configures how a Session reaches its backend.
type SessionOptions struct {
	// Binary is the backend launcher, for example "joern".
	Binary string
	// Args are extra launcher arguments.
	Args []string
	// MemoryLimit is passed to the JVM as -Xmx when non-empty.
	MemoryLimit string
	// Dir is the working directory of the backend process.
	Dir string
	// ServerURL is the base URL of a backend started in server mode.
	ServerURL string
	// StartupTimeout bounds how long the backend may take to show its first
	// prompt.
	StartupTimeout time.Duration
	// QueryTimeout is applied to each query unless the caller's context
	// carries an earlier deadline.
	QueryTimeout time.Duration
	Logger       hclog.Logger
}

func (o *SessionOptions) applyDefaults() {
	if o.Binary == "" {
		o.Binary = "joern"
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 5 * time.Minute
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
}

// queryDeadline returns the effective timeout for one query: the session
// default, shortened by the caller's deadline.
func queryDeadline(ctx context.Context, def time.Duration) time.Duration {
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < def {
			return remaining
		}
	}
	return def
}
