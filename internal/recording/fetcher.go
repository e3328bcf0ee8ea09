// Package recording resolves the recording file of a finished call by asking
// the PBX for a channel variable.
package recording

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/asterisk-crm/internal/ami"
)

// Defaults for the GetVar lookup.
const (
	DefaultTimeout  = 5 * time.Second
	DefaultVariable = "RECORDED_FILE"
)

// Result statuses.
const (
	StatusAvailable   = "available"
	StatusUnavailable = "unavailable"
	StatusError       = "error"
)

// Requester sends actions and correlates their responses by ActionID.
type Requester interface {
	Send(a ami.Action) error
	Await(actionID string) (<-chan ami.Event, func())
}

// Result is the outcome of one lookup.
type Result struct {
	Status string
	Path   string
	Reason string
}

// Fetcher issues GetVar requests for a channel's recording path.
type Fetcher struct {
	conn     Requester
	timeout  time.Duration
	variable string
	newID    func() string
	log      *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTimeout sets how long to wait for the response.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

// WithVariable sets the channel variable holding the recording path.
func WithVariable(v string) Option {
	return func(f *Fetcher) { f.variable = v }
}

// WithIDGenerator overrides ActionID generation.
func WithIDGenerator(gen func() string) Option {
	return func(f *Fetcher) { f.newID = gen }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.log = l }
}

// New creates a Fetcher bound to conn.
func New(conn Requester, opts ...Option) *Fetcher {
	f := &Fetcher{
		conn:     conn,
		timeout:  DefaultTimeout,
		variable: DefaultVariable,
		newID:    func() string { return "getvar-" + uuid.NewString() },
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch asks for the recording variable of channel and waits for the reply,
// the timeout or ctx, whichever comes first. It never returns an error: every
// failure is folded into the Result.
func (f *Fetcher) Fetch(ctx context.Context, channel string) Result {
	id := f.newID()

	// Register before sending so a fast reply is not lost.
	replies, cancel := f.conn.Await(id)
	defer cancel()

	if err := f.conn.Send(ami.GetVar(id, channel, f.variable)); err != nil {
		f.log.Warn("recording lookup send failed", "channel", channel, "error", err)
		return Result{Status: StatusError, Reason: err.Error()}
	}

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	select {
	case evt := <-replies:
		return interpret(evt)
	case <-timer.C:
		f.log.Warn("recording lookup timed out", "channel", channel, "action_id", id)
		return Result{Status: StatusUnavailable, Reason: "timeout"}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Status: StatusUnavailable, Reason: "timeout"}
		}
		return Result{Status: StatusError, Reason: ctx.Err().Error()}
	}
}

func interpret(evt ami.Event) Result {
	if evt.IsError() {
		reason := evt.Get("Message")
		if reason == "" {
			reason = "error response"
		}
		return Result{Status: StatusUnavailable, Reason: reason}
	}
	if v := evt.Get("Value"); v != "" {
		return Result{Status: StatusAvailable, Path: v}
	}
	return Result{Status: StatusUnavailable, Reason: "variable not set"}
}
