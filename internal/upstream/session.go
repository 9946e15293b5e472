// Package upstream implements one JSON-RPC client session per upstream MCP
// server: process lifecycle, a background reader loop, request/response
// correlation by id, timeout+retry, a per-session circuit breaker, and a
// per-session outbound rate limiter (spec §4.2, SPEC_FULL.md §4.7).
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"mcpgate/internal/framing"
)

// Config describes one upstream server (spec §3).
type Config struct {
	ID           string
	Command      []string
	Env          map[string]string
	IncludeTools []string
	ExcludeTools []string
}

var (
	// ErrClosed is returned by Send once the session has been closed.
	ErrClosed = errors.New("upstream: session closed")
	// ErrTimedOut is returned when all retry attempts are exhausted.
	ErrTimedOut = errors.New("upstream: request timed out")
)

const (
	defaultTimeout    = 5 * time.Second
	maxBackoff        = 1 * time.Second
	baseBackoff       = 100 * time.Millisecond
	breakerMaxFailure = 5
	breakerResetAfter = 30 * time.Second
)

// pending is one outstanding request's completion handle. It carries exactly
// one outcome (result or error) and is never signaled twice (spec §3,
// invariant 2).
type pending struct {
	once sync.Once
	ch   chan *Envelope
}

func newPending() *pending {
	return &pending{ch: make(chan *Envelope, 1)}
}

func (p *pending) complete(env *Envelope) {
	p.once.Do(func() {
		p.ch <- env
	})
}

// Envelope is the decoded JSON-RPC response body, keeping Result/Error raw
// so callers can forward it verbatim (spec §4.2, §7 class 4).
type Envelope struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError mirrors jsonrpc.Error without importing it, keeping this package
// transport-only; controller maps it onto jsonrpc.Error at the boundary.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Session owns one upstream child process and its JSON-RPC correlation
// state. The zero value is not usable; construct with New.
type Session struct {
	cfg Config

	newCmd func() *exec.Cmd // overridable in tests

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	closed  bool

	nextID  atomic.Int64
	pendMu  sync.Mutex
	pending map[int64]*pending

	readerDone chan struct{}

	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// New constructs a session for cfg. The process is not started until Start
// is called (spec §4.4: "lazy start").
func New(cfg Config) *Session {
	s := &Session{
		cfg:        cfg,
		pending:    make(map[int64]*pending),
		readerDone: make(chan struct{}),
		limiter:    rate.NewLimiter(rate.Limit(50), 50),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.ID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     breakerResetAfter,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerMaxFailure
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("upstream %s: circuit breaker %s -> %s", name, from, to)
		},
	})
	s.newCmd = func() *exec.Cmd {
		cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
		cmd.Stderr = os.Stderr
		return cmd
	}
	return s
}

// newForTest wires a session directly to in-memory pipes, bypassing process
// spawn, so the retry/timeout/correlation/breaker logic can be exercised
// without a real child process.
func newForTest(cfg Config, stdin io.WriteCloser, stdout io.Reader) *Session {
	s := New(cfg)
	s.mu.Lock()
	s.stdin = stdin
	s.started = true
	s.mu.Unlock()
	go s.readLoop(stdout)
	return s
}

// NewForTest exposes newForTest to other packages' test files (e.g.
// controller_test.go) that need a live session without spawning a process.
// Not meant for production wiring.
func NewForTest(cfg Config, stdin io.WriteCloser, stdout io.Reader) *Session {
	return newForTest(cfg, stdin, stdout)
}

// ID returns the upstream's configured id.
func (s *Session) ID() string { return s.cfg.ID }

// Connected reports whether the session has been started and not yet
// closed, for the /health endpoint (SPEC_FULL.md §6).
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.closed
}

// Config returns the upstream's configuration (read-only use).
func (s *Session) Config() Config { return s.cfg }

// Start spawns the child process and begins the reader loop. Idempotent.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.closed {
		return ErrClosed
	}

	cmd := s.newCmd()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("upstream %s: stdin pipe: %w", s.cfg.ID, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("upstream %s: stdout pipe: %w", s.cfg.ID, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("upstream %s: start: %w", s.cfg.ID, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.started = true

	go s.readLoop(stdout)
	return nil
}

// readLoop is the single background reader: it demultiplexes framed
// messages into the pending table until EOF or cancellation (spec §4.2).
func (s *Session) readLoop(stdout io.Reader) {
	defer close(s.readerDone)

	dec := framing.NewDecoder(stdout)
	dec.OnDropped = func(err error) {
		log.Printf("upstream %s: dropped malformed frame: %v", s.cfg.ID, err)
	}

	for {
		var msg wireMessage
		if err := dec.Next(&msg); err != nil {
			break
		}
		if len(msg.ID) == 0 || (msg.Result == nil && msg.Error == nil) {
			// Not a response (e.g. an upstream-initiated notification); drop.
			continue
		}
		var id int64
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			continue
		}

		s.pendMu.Lock()
		p, ok := s.pending[id]
		if ok {
			delete(s.pending, id)
		}
		s.pendMu.Unlock()

		if !ok {
			// Unknown id: either never issued, or a late reply after timeout.
			continue
		}
		p.complete(&Envelope{Result: msg.Result, Error: msg.Error})
	}

	s.drainPending(fmt.Errorf("upstream: upstream disconnected"))
}

func (s *Session) drainPending(cause error) {
	s.pendMu.Lock()
	leftover := s.pending
	s.pending = make(map[int64]*pending)
	s.pendMu.Unlock()

	for _, p := range leftover {
		p.complete(&Envelope{Error: &RPCError{Code: -32001, Message: cause.Error()}})
	}
}

// Initialize sends the `initialize` request with empty params.
func (s *Session) Initialize(ctx context.Context) (*Envelope, error) {
	return s.Send(ctx, "initialize", map[string]any{}, 0, 0)
}

// Send issues method/params and correlates the reply by id, retrying up to
// retries times on timeout with exponential backoff (spec §4.2). timeout<=0
// uses the 5s default; retries<0 is treated as 0.
func (s *Session) Send(ctx context.Context, method string, params any, timeout time.Duration, retries int) (*Envelope, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if retries < 0 {
		retries = 0
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	result, err := s.breaker.Execute(func() (any, error) {
		return s.sendWithRetry(ctx, method, params, timeout, retries)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("upstream %s: circuit open", s.cfg.ID)
		}
		return nil, err
	}
	return result.(*Envelope), nil
}

func (s *Session) sendWithRetry(ctx context.Context, method string, params any, timeout time.Duration, retries int) (*Envelope, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff * time.Duration(1<<uint(attempt-1))
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		env, err := s.sendOnce(ctx, method, params, timeout)
		if err == nil {
			return env, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTimedOut) {
			// Transport errors fail the current request only; no retry loop
			// for them here, they're not the timeout class spec §7.3 covers.
			return nil, err
		}
	}
	return nil, fmt.Errorf("upstream %s: %w", s.cfg.ID, lastErr)
}

func (s *Session) sendOnce(ctx context.Context, method string, params any, timeout time.Duration) (*Envelope, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	id := s.nextID.Add(1)
	p := newPending()

	s.pendMu.Lock()
	s.pending[id] = p
	s.pendMu.Unlock()

	idJSON, _ := json.Marshal(id)
	var paramsJSON json.RawMessage
	if params != nil {
		pj, err := json.Marshal(params)
		if err != nil {
			s.forgetPending(id)
			return nil, fmt.Errorf("upstream %s: marshal params: %w", s.cfg.ID, err)
		}
		paramsJSON = pj
	}

	frame, err := framing.Encode(wireMessage{
		JSONRPC: "2.0",
		ID:      idJSON,
		Method:  method,
		Params:  paramsJSON,
	})
	if err != nil {
		s.forgetPending(id)
		return nil, fmt.Errorf("upstream %s: encode: %w", s.cfg.ID, err)
	}

	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		s.forgetPending(id)
		return nil, ErrClosed
	}
	if _, err := stdin.Write(frame); err != nil {
		s.forgetPending(id)
		return nil, fmt.Errorf("upstream %s: write: %w", s.cfg.ID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-p.ch:
		return env, nil
	case <-timer.C:
		s.forgetPending(id)
		return nil, ErrTimedOut
	case <-ctx.Done():
		s.forgetPending(id)
		return nil, ctx.Err()
	}
}

func (s *Session) forgetPending(id int64) {
	s.pendMu.Lock()
	delete(s.pending, id)
	s.pendMu.Unlock()
}

// Close cancels the reader, fails all outstanding waiters, and releases the
// transport. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cmd := s.cmd
	stdin := s.stdin
	started := s.started
	s.mu.Unlock()

	s.drainPending(ErrClosed)

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}

	if started {
		select {
		case <-s.readerDone:
		case <-time.After(2 * time.Second):
			// Grace period elapsed; abandon the reader goroutine rather than
			// block Close indefinitely (spec §5: "abandoned — close returns
			// regardless").
		}
	}
	if cmd != nil {
		_ = cmd.Wait()
	}
	return nil
}
