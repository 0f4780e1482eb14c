package cpg

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Prompt is the interactive prompt the backend REPL prints when it is ready
// for the next statement.
const Prompt = "joern> "

// readResult carries a chunk read by the dedicated reader goroutine.
type readResult struct {
	data string
	ok   bool
}

// ProcessSession drives the backend's interactive shell over stdin/stdout.
// Each statement is written as a single line and its output is everything
// printed before the next prompt.
type ProcessSession struct {
	mu    sync.Mutex
	opts  SessionOptions
	cmd   *exec.Cmd
	stdin io.WriteCloser

	// readCh receives output chunks from the reader goroutine.
	readCh chan readResult
	// stopCh releases the reader goroutine of a killed process.
	stopCh chan struct{}
	// buf holds output that arrived after the last consumed prompt.
	buf strings.Builder

	// desynced is set when a query timed out before its prompt arrived.
	// The next query first drains the stale output.
	desynced   bool
	closed     bool
	generation int64
}

var _ Session = (*ProcessSession)(nil)

// StartProcessSession launches the backend shell and waits for its first
// prompt.
func StartProcessSession(ctx context.Context, opts SessionOptions) (*ProcessSession, error) {
	opts.applyDefaults()
	s := &ProcessSession{opts: opts}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.startLocked(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ProcessSession) args() []string {
	args := []string{"--nocolors"}
	if s.opts.MemoryLimit != "" {
		args = append(args, "-J-Xmx"+s.opts.MemoryLimit)
	}
	return append(args, s.opts.Args...)
}

// startLocked spawns the process and waits for the prompt. Caller must hold
// s.mu.
func (s *ProcessSession) startLocked(ctx context.Context) error {
	cmd := exec.Command(s.opts.Binary, s.args()...)
	cmd.Dir = s.opts.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("start backend: pipe setup: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("start backend: pipe setup: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %q: %v", ErrBackendUnavailable, s.opts.Binary, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.readCh = make(chan readResult, 16)
	s.stopCh = make(chan struct{})
	s.buf.Reset()
	s.desynced = false

	// The reader owns stdout for the lifetime of this process instance and
	// terminates when the pipe closes.
	go func(ch chan<- readResult, stop <-chan struct{}) {
		r := bufio.NewReaderSize(stdout, 64*1024)
		chunk := make([]byte, 32*1024)
		send := func(rr readResult) bool {
			select {
			case ch <- rr:
				return true
			case <-stop:
				return false
			}
		}
		for {
			n, err := r.Read(chunk)
			if n > 0 && !send(readResult{data: string(chunk[:n]), ok: true}) {
				return
			}
			if err != nil {
				send(readResult{ok: false})
				return
			}
		}
	}(s.readCh, s.stopCh)

	startCtx, cancel := context.WithTimeout(ctx, s.opts.StartupTimeout)
	defer cancel()
	if _, err := s.awaitPromptLocked(startCtx); err != nil {
		s.killLocked()
		return fmt.Errorf("%w: waiting for first prompt: %v", ErrBackendUnavailable, err)
	}
	s.opts.Logger.Debug("backend shell ready", "binary", s.opts.Binary, "pid", cmd.Process.Pid)
	return nil
}

// Query writes the statement and returns the output printed before the
// next prompt, with terminal escapes removed.
func (s *ProcessSession) Query(ctx context.Context, query string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrSessionClosed
	}
	if s.cmd == nil {
		return "", fmt.Errorf("%w: process not running", ErrBackendUnavailable)
	}

	qctx, cancel := context.WithTimeout(ctx, queryDeadline(ctx, s.opts.QueryTimeout))
	defer cancel()

	if s.desynced {
		if _, err := s.awaitPromptLocked(qctx); err != nil {
			return "", err
		}
		s.desynced = false
	}

	line := strings.ReplaceAll(query, "\n", " ")
	if _, err := fmt.Fprintf(s.stdin, "%s\n", line); err != nil {
		return "", fmt.Errorf("%w: write to backend stdin: %v", ErrBackendUnavailable, err)
	}

	out, err := s.awaitPromptLocked(qctx)
	if err != nil {
		if qctx.Err() != nil {
			s.desynced = true
		}
		return "", err
	}
	return cleanOutput(out, line), nil
}

// awaitPromptLocked collects output until the prompt appears and returns
// everything before it. Caller must hold s.mu.
func (s *ProcessSession) awaitPromptLocked(ctx context.Context) (string, error) {
	for {
		if i := strings.Index(s.buf.String(), Prompt); i >= 0 {
			all := s.buf.String()
			s.buf.Reset()
			s.buf.WriteString(all[i+len(Prompt):])
			return all[:i], nil
		}
		select {
		case rr := <-s.readCh:
			if !rr.ok {
				return "", fmt.Errorf("%w: backend closed its output", ErrBackendUnavailable)
			}
			s.buf.WriteString(StripANSI(rr.data))
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return "", fmt.Errorf("%w: no prompt within deadline", ErrQueryTimeout)
			}
			return "", ctx.Err()
		}
	}
}

// cleanOutput drops the echoed statement the shell may print back.
func cleanOutput(out, sent string) string {
	out = strings.TrimLeft(out, "\r\n")
	if strings.HasPrefix(out, sent) {
		out = out[len(sent):]
	}
	return strings.TrimSpace(out)
}

// Generation implements Session.
func (s *ProcessSession) Generation() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Restart kills the running shell and starts a fresh one.
func (s *ProcessSession) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	s.killLocked()
	s.generation++
	s.opts.Logger.Info("restarting backend shell", "generation", s.generation)
	return s.startLocked(ctx)
}

// Close asks the shell to exit and kills it if it does not.
func (s *ProcessSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.cmd == nil {
		return nil
	}
	fmt.Fprintln(s.stdin, "exit") //nolint:errcheck // best effort

	done := make(chan struct{})
	cmd := s.cmd
	go func() {
		cmd.Wait() //nolint:errcheck
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		cmd.Process.Kill() //nolint:errcheck
		<-done
	}
	close(s.stopCh)
	s.cmd = nil
	return nil
}

// killLocked force-stops the process. Caller must hold s.mu.
func (s *ProcessSession) killLocked() {
	if s.cmd == nil {
		return
	}
	close(s.stopCh)
	if s.stdin != nil {
		s.stdin.Close() //nolint:errcheck
	}
	if s.cmd.Process != nil {
		s.cmd.Process.Kill() //nolint:errcheck
	}
	s.cmd.Wait() //nolint:errcheck
	s.cmd = nil
}
