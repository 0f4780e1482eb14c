package cpg

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
)

// queryRequest and queryResponse are the payloads of the backend server's
// synchronous query endpoint.
type queryRequest struct {
	Query string `json:"query"`
}

type queryResponse struct {
	Success bool   `json:"success"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	UUID    string `json:"uuid"`
}

// ServerSession talks to a backend started in server mode. The server keeps
// one interpreter, so queries are serialised here as well.
type ServerSession struct {
	mu         sync.Mutex
	opts       SessionOptions
	client     *resty.Client
	closed     bool
	generation int64
}

var _ Session = (*ServerSession)(nil)

// StartServerSession connects to a running backend server and checks that
// it evaluates statements.
func StartServerSession(ctx context.Context, opts SessionOptions) (*ServerSession, error) {
	opts.applyDefaults()
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("server session: empty server URL")
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.ServerURL, "/")).
		SetHeader("Content-Type", "application/json")

	s := &ServerSession{opts: opts, client: client}
	if err := s.healthCheck(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ServerSession) healthCheck(ctx context.Context) error {
	out, err := s.Query(ctx, "1 + 1")
	if err != nil {
		return fmt.Errorf("%w: health check: %v", ErrBackendUnavailable, err)
	}
	if !strings.Contains(out, "2") {
		return fmt.Errorf("%w: health check returned %q", ErrBackendUnavailable, truncate(out, 80))
	}
	return nil
}

// Query implements Session.
func (s *ServerSession) Query(ctx context.Context, query string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrSessionClosed
	}

	qctx, cancel := context.WithTimeout(ctx, queryDeadline(ctx, s.opts.QueryTimeout))
	defer cancel()

	var result queryResponse
	resp, err := s.client.R().
		SetContext(qctx).
		SetBody(queryRequest{Query: query}).
		SetResult(&result).
		Post("/query-sync")
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || qctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: %v", ErrQueryTimeout, err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		return "", fmt.Errorf("%w: server returned HTTP %d", ErrBackendUnavailable, resp.StatusCode())
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("query rejected: HTTP %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
	}
	if !result.Success {
		return "", fmt.Errorf("query failed: %s", truncate(strings.TrimSpace(result.Stderr+result.Stdout), 200))
	}
	return StripANSI(strings.TrimSpace(result.Stdout)), nil
}

// Generation implements Session.
func (s *ServerSession) Generation() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Restart cannot relaunch a remote server. It re-verifies the connection
// and starts a new generation so cached results are discarded.
func (s *ServerSession) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.generation++
	s.mu.Unlock()
	return s.healthCheck(ctx)
}

// Close implements Session. The server itself is left running.
func (s *ServerSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
