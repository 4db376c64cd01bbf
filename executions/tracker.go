// Package executions records every tools/call that passes through the
// gateway and bounds its duration.
package executions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/ggoodman/mcp-gateway-go/audit"
	"github.com/ggoodman/mcp-gateway-go/auth"
	"github.com/ggoodman/mcp-gateway-go/gateway"
	"github.com/ggoodman/mcp-gateway-go/store"
)

// DefaultTimeout is the maximum duration of one execution.
const DefaultTimeout = 5 * time.Minute

// TimeoutMessage is recorded for executions that ran out of time.
const TimeoutMessage = "execution exceeded maximum duration"

// Tracker persists execution records through a store.ExecutionLog.
type Tracker struct {
	log     store.ExecutionLog
	timeout time.Duration
	clock   clockwork.Clock
	newID   func() string
	logger  *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

func WithIDGenerator(f func() string) Option {
	return func(t *Tracker) { t.newID = f }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// New returns a Tracker writing to l.
func New(l store.ExecutionLog, opts ...Option) *Tracker {
	t := &Tracker{
		log:     l,
		timeout: DefaultTimeout,
		clock:   clockwork.NewRealClock(),
		newID:   uuid.NewString,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Timeout returns the configured maximum duration.
func (t *Tracker) Timeout() time.Duration { return t.timeout }

// Middleware wraps tools/call with an execution record and a max-duration
// deadline. It must run outside the masking middleware so the masked
// bodies are visible when the record is finished.
func (t *Tracker) Middleware() gateway.Middleware {
	return func(next gateway.Handler) gateway.Handler {
		return gateway.HandlerFunc(func(ctx context.Context, req *gateway.Request) (json.RawMessage, error) {
			if req.Method != gateway.MethodToolsCall {
				return next.Handle(ctx, req)
			}
			ac, ok := auth.FromContext(ctx)
			if !ok {
				return next.Handle(ctx, req)
			}
			return t.track(ctx, ac, req, next)
		})
	}
}

func (t *Tracker) track(ctx context.Context, ac auth.Context, req *gateway.Request, next gateway.Handler) (json.RawMessage, error) {
	rec, ok := audit.FromContext(ctx)
	if !ok {
		ctx, rec = audit.WithExecution(ctx)
	}

	var params struct {
		Name string `json:"name"`
	}
	_ = json.Unmarshal(req.Params, &params)

	exec := &store.Execution{
		ID:             t.newID(),
		OrganizationID: ac.OrganizationID,
		UserID:         ac.UserID,
		ServerID:       ac.TargetServerID,
		SessionID:      req.SessionID,
		ToolName:       params.Name,
		Status:         store.ExecutionInProgress,
		StartedAt:      t.clock.Now(),
	}
	recorded := true
	if err := t.log.CreateExecution(ctx, exec); err != nil {
		recorded = false
		t.logger.WarnContext(ctx, "execution.create.fail", slog.String("execution_id", exec.ID), slog.String("err", err.Error()))
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	out, err := next.Handle(runCtx, req)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()

	if !recorded {
		return out, err
	}

	finished := t.clock.Now()
	exec.FinishedAt = finished
	exec.Duration = finished.Sub(exec.StartedAt)
	snap := rec.Snapshot()
	if snap.ServerID != "" {
		exec.ServerID = snap.ServerID
	}
	if snap.ToolName != "" {
		exec.ToolName = snap.ToolName
	}
	exec.PIITypes = snap.PIITypes
	exec.MaskedRequest = string(req.Params)
	if snap.RequestSet {
		exec.MaskedRequest = string(snap.MaskedRequest)
	}
	exec.MaskedResponse = string(out)
	if snap.ResponseSet {
		exec.MaskedResponse = string(snap.MaskedResponse)
	}

	switch {
	case timedOut:
		exec.Status = store.ExecutionFailed
		exec.Error = TimeoutMessage
	case err != nil:
		exec.Status = store.ExecutionFailed
		exec.Error = err.Error()
	default:
		exec.Status = store.ExecutionSucceeded
	}

	// The request may already be cancelled; the record is written regardless.
	if ferr := t.log.FinishExecution(context.WithoutCancel(ctx), exec); ferr != nil {
		t.logger.WarnContext(ctx, "execution.finish.fail", slog.String("execution_id", exec.ID), slog.String("err", ferr.Error()))
	} else {
		t.logger.DebugContext(ctx, "execution.finish.ok",
			slog.String("execution_id", exec.ID),
			slog.String("status", string(exec.Status)),
			slog.Duration("elapsed", exec.Duration),
		)
	}
	return out, err
}

// SweepStale marks every execution started before now and still in progress
// as failed, recording the timeout as its duration. It is run once at startup,
// before any call is accepted, to clear records orphaned by a crash.
func (t *Tracker) SweepStale(ctx context.Context) (int, error) {
	n, err := t.log.FailStaleExecutions(ctx, t.clock.Now(), t.timeout)
	if err != nil {
		t.logger.ErrorContext(ctx, "execution.sweep.fail", slog.String("err", err.Error()))
		return 0, err
	}
	if n > 0 {
		t.logger.InfoContext(ctx, "execution.sweep.ok", slog.Int("failed", n))
	}
	return n, nil
}
