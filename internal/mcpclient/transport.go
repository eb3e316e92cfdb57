// Package mcpclient owns the MCP child process the agent reaches the
// remote store through.
//
// The wire protocol (JSON-RPC framing over stdio, request id correlation,
// late-reply dropping) is carried by the mark3labs/mcp-go client. This
// package adds what that client does not have: an explicit lifecycle
// state machine, a single-flight restart latch, per-call deadlines, and
// failure classification into the agent's error taxonomy.
package mcpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// State is the transport lifecycle state.
type State int

const (
	NotStarted State = iota
	Starting
	Ready
	Degraded
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Starting:
		return "starting"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Sentinel errors surfaced by the transport.
var (
	// ErrUnavailable means the child could not be reached within the
	// startup grace period, or the transport has been shut down.
	ErrUnavailable = errors.New("mcp: transport unavailable")

	// ErrRequestTimeout means a single call exceeded its deadline. The
	// transport itself stays Ready; the late reply is dropped by the
	// underlying client.
	ErrRequestTimeout = errors.New("mcp: request timeout")
)

// TransportError wraps a stream-level failure. All in-flight calls fail
// with it and the transport transitions to Degraded.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("mcp: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// Dialer creates a started (but not yet initialized) MCP client. The
// transport calls it on first use and again after a Degraded transition
// when auto-restart is enabled.
type Dialer func(ctx context.Context) (*client.Client, error)

// StdioDialer spawns the given command as an MCP child over stdio.
// env entries are appended to the child's inherited environment.
func StdioDialer(command string, env []string, args ...string) Dialer {
	return func(ctx context.Context) (*client.Client, error) {
		return client.NewStdioMCPClient(command, env, args...)
	}
}

// Options configures a Transport.
type Options struct {
	Dialer Dialer

	// AutoRestart re-dials on the next call after a Degraded transition.
	AutoRestart bool

	// StartupGrace bounds how long a call blocks waiting for the child
	// to become Ready before failing with ErrUnavailable.
	StartupGrace time.Duration

	// CallTimeout is the per-request deadline applied to every tool call
	// that does not already carry a sooner one.
	CallTimeout time.Duration

	// ClientName and ClientVersion identify the agent in the MCP
	// initialize handshake.
	ClientName    string
	ClientVersion string

	Logger *slog.Logger
}

// Transport owns exactly one MCP child and is safe for concurrent use.
type Transport struct {
	opts Options

	mu       sync.Mutex
	state    State
	cli      *client.Client
	starting chan struct{} // single-flight latch, non-nil while a start is in flight
	startErr error         // outcome of the latest start attempt
	restarts int
}

// New creates a Transport. It does not spawn the child; the first call
// (or an explicit Start) does.
func New(opts Options) *Transport {
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = 10 * time.Second
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.ClientName == "" {
		opts.ClientName = "augur"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Transport{opts: opts, state: NotStarted}
}

// State reports the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Restarts reports how many times the child has been re-dialed after a
// Degraded transition.
func (t *Transport) Restarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}

// Start spawns and initializes the child if it is not already Ready.
func (t *Transport) Start(ctx context.Context) error {
	_, err := t.ready(ctx)
	return err
}

// CallTool issues one tool call with a bounded deadline. A tool-level
// error result (IsError) is returned to the caller untouched; only
// stream-level failures degrade the transport.
func (t *Transport) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	cli, err := t.ready(ctx)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, t.opts.CallTimeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := cli.CallTool(callCtx, req)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s", ErrRequestTimeout, name)
		}
		if ctx.Err() != nil {
			// Caller cancellation: the child stays alive, the mcp-go
			// client drops the late reply.
			return nil, ctx.Err()
		}
		t.degrade(cli, name, err)
		return nil, &TransportError{Op: "call " + name, Err: err}
	}
	return res, nil
}

// Ping checks child liveness without issuing a tool call.
func (t *Transport) Ping(ctx context.Context) error {
	cli, err := t.ready(ctx)
	if err != nil {
		return err
	}
	if err := cli.Ping(ctx); err != nil {
		t.degrade(cli, "ping", err)
		return &TransportError{Op: "ping", Err: err}
	}
	return nil
}

// Close shuts the transport down. Stopped is terminal: subsequent calls
// fail with ErrUnavailable.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == Stopped {
		t.mu.Unlock()
		return nil
	}
	t.state = Stopping
	cli := t.cli
	t.cli = nil
	t.state = Stopped
	t.mu.Unlock()

	if cli != nil {
		return cli.Close()
	}
	return nil
}

// ready returns a usable client, starting or restarting the child when
// needed. Concurrent callers during a start share one attempt through the
// starting latch, so a burst of failures triggers exactly one restart.
func (t *Transport) ready(ctx context.Context) (*client.Client, error) {
	waitCtx, cancel := context.WithTimeout(ctx, t.opts.StartupGrace)
	defer cancel()

	for {
		t.mu.Lock()
		switch t.state {
		case Ready:
			cli := t.cli
			t.mu.Unlock()
			return cli, nil

		case Stopping, Stopped:
			t.mu.Unlock()
			return nil, ErrUnavailable

		case Starting:
			latch := t.starting
			t.mu.Unlock()
			select {
			case <-latch:
			case <-waitCtx.Done():
				return nil, fmt.Errorf("%w: startup grace exceeded", ErrUnavailable)
			}
			// Loop to re-read the state settled by the starter.

		case NotStarted, Degraded:
			if t.state == Degraded && !t.opts.AutoRestart {
				t.mu.Unlock()
				return nil, fmt.Errorf("%w: transport degraded", ErrUnavailable)
			}
			restarting := t.state == Degraded
			latch := make(chan struct{})
			t.starting = latch
			t.state = Starting
			t.mu.Unlock()

			cli, err := t.start(ctx, restarting)

			t.mu.Lock()
			t.starting = nil
			t.startErr = err
			if t.state == Stopping || t.state == Stopped {
				// Close raced the start: Stopped stays terminal and the
				// fresh child must not outlive the transport.
				t.mu.Unlock()
				close(latch)
				if cli != nil {
					_ = cli.Close()
				}
				return nil, ErrUnavailable
			}
			if err != nil {
				t.state = Degraded
				t.cli = nil
			} else {
				t.state = Ready
				t.cli = cli
				if restarting {
					t.restarts++
				}
			}
			close(latch)
			t.mu.Unlock()

			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
			return cli, nil
		}
	}
}

// start dials and initializes a fresh child.
func (t *Transport) start(ctx context.Context, restarting bool) (*client.Client, error) {
	if restarting {
		t.opts.Logger.Info("mcp transport restarting child")
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.opts.StartupGrace)
	defer cancel()

	cli, err := t.opts.Dialer(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    t.opts.ClientName,
		Version: t.opts.ClientVersion,
	}
	if _, err := cli.Initialize(dialCtx, initReq); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return cli, nil
}

// degrade transitions Ready → Degraded after a stream-level failure and
// closes the dead client. A stale client (already replaced by a restart)
// is ignored.
func (t *Transport) degrade(cli *client.Client, op string, err error) {
	t.mu.Lock()
	if t.state != Ready || t.cli != cli {
		t.mu.Unlock()
		return
	}
	t.state = Degraded
	t.cli = nil
	t.mu.Unlock()

	t.opts.Logger.Warn("mcp transport degraded", "op", op, "error", err)
	_ = cli.Close()
}
