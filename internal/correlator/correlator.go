package correlator

import (
	"log/slog"
	"time"

	"github.com/sweeney/asterisk-crm/internal/ami"
)

// DefaultEvictionDelay absorbs late duplicate hangup lines for an ended channel.
const DefaultEvictionDelay = 5 * time.Second

// Clock provides the current time. Defaults to time.Now; override in tests.
type Clock func() time.Time

// Engine resolves AMI event blocks to channel sessions, validates them and
// runs the session state machine. It performs no I/O: the effects it returns
// are carried out by the caller.
type Engine struct {
	registry      *Registry
	clock         Clock
	evictionDelay time.Duration
	log           *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source for the engine.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRegistry injects the session registry.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithEvictionDelay sets how long an ended session stays resolvable.
func WithEvictionDelay(d time.Duration) Option {
	return func(e *Engine) { e.evictionDelay = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		clock:         time.Now,
		evictionDelay: DefaultEvictionDelay,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	return e
}

// Process ingests an AMI event block and returns the resulting effects in
// the order they must be performed.
func (e *Engine) Process(evt ami.Event) []Effect {
	if evt.IsResponse() {
		return nil
	}

	if evt.Type() == "Newchannel" {
		return e.handleNewchannel(evt)
	}

	signals, _ := signalsFor(evt)
	if len(signals) == 0 {
		return nil
	}

	s, alias, ok := e.resolve(evt)
	if !ok {
		return nil
	}

	if alias {
		// Secondary legs only contribute answers.
		signals = onlyAnswers(signals)
		if linked := evt.Get("Linkedid"); linked != "" && s.SessionID != "" && linked != s.SessionID {
			e.log.Warn("dropping event for stale leg",
				"event", evt.Type(), "channel", evt.Get("Channel"), "linkedid", linked, "session", s.SessionID)
			return nil
		}
	} else if uid := evt.Get("Uniqueid"); uid != "" && s.SessionID != "" && uid != s.SessionID {
		e.log.Warn("dropping event with mismatched uniqueid",
			"event", evt.Type(), "channel", s.ChannelID, "uniqueid", uid, "session", s.SessionID)
		return nil
	}

	return e.apply(s, signals)
}

func (e *Engine) handleNewchannel(evt ami.Event) []Effect {
	channel := evt.Get("Channel")
	if channel == "" {
		e.log.Warn("dropping Newchannel without Channel", "uniqueid", evt.Get("Uniqueid"))
		return nil
	}
	uid := evt.Get("Uniqueid")
	linked := evt.Get("Linkedid")

	if linked != "" && uid != "" && linked != uid {
		if primary, ok := e.registry.FindBySessionID(linked); ok && primary.ChannelID != channel {
			e.registry.Alias(channel, primary.ChannelID)
			e.log.Debug("tracking secondary leg", "channel", channel, "primary", primary.ChannelID)
			return nil
		}
	}

	fresh := Session{
		ChannelID: channel,
		SessionID: uid,
		LinkedID:  linked,
		CreatedAt: e.clock(),
		State:     StateNew,
	}

	s, created := e.registry.GetOrCreate(channel, fresh)
	switch {
	case created:
		e.log.Info("new channel", "channel", channel, "uniqueid", uid)
	case uid == "" || s.SessionID == uid:
		// Duplicate Newchannel; its number fields are still applied below.
	case s.Ended():
		e.registry.Replace(fresh)
		s = fresh
		e.log.Info("channel reused after hangup", "channel", channel, "uniqueid", uid)
	default:
		e.log.Warn("dropping Newchannel for live channel with different uniqueid",
			"channel", channel, "uniqueid", uid, "session", s.SessionID)
		return nil
	}

	signals, _ := signalsFor(evt)
	return e.apply(s, signals)
}

func (e *Engine) apply(s Session, signals []Signal) []Effect {
	now := e.clock()
	var effects []Effect
	for _, sig := range signals {
		before := s
		var out []Effect
		s, out = s.Apply(sig, now, e.evictionDelay)
		effects = append(effects, out...)
		e.logTransition(before, s, sig)
	}
	if !e.registry.Update(s) {
		e.log.Warn("session vanished during processing", "channel", s.ChannelID)
		return nil
	}
	return effects
}

func (e *Engine) logTransition(before, after Session, sig Signal) {
	switch sig.Kind {
	case SignalExten:
		if !before.Processed && !sig.FillOnly && after.SelfLoop() {
			e.log.Warn("ignoring call to self", "channel", after.ChannelID, "number", after.CallerNumber)
		}
	case SignalAnswer:
		if before.Ended() {
			return
		}
		if before.CallRecordID == 0 && !before.Answered() {
			e.log.Warn("answer before call record exists", "channel", after.ChannelID)
		}
	case SignalHangup:
		if before.Ended() {
			e.log.Debug("ignoring duplicate hangup", "channel", after.ChannelID)
		}
	}
	if before.State != after.State {
		e.log.Debug("session transition", "channel", after.ChannelID, "from", before.State, "to", after.State)
	}
}

// resolve finds the session an event refers to. Blocks without a Channel
// fall back to a Uniqueid match and then to the most recently created
// session. That last step is a heuristic: with many concurrent calls it can
// attribute an event to the wrong call.
func (e *Engine) resolve(evt ami.Event) (Session, bool, bool) {
	if channel := evt.Get("Channel"); channel != "" {
		if s, ok := e.registry.Get(channel); ok {
			return s, false, true
		}
		if primary, ok := e.registry.Primary(channel); ok {
			if s, ok := e.registry.Get(primary); ok {
				return s, true, true
			}
		}
		e.log.Debug("event for untracked channel", "event", evt.Type(), "channel", channel)
		return Session{}, false, false
	}

	if s, ok := e.registry.FindBySessionID(evt.Get("Uniqueid")); ok {
		return s, false, true
	}

	if s, ok := e.registry.MostRecent(); ok {
		e.log.Warn("no channel in event, using most recent session",
			"event", evt.Type(), "channel", s.ChannelID)
		return s, false, true
	}

	e.log.Warn("cannot resolve channel for event", "event", evt.Type(), "uniqueid", evt.Get("Uniqueid"))
	return Session{}, false, false
}

// signalsFor extracts the signals carried by a block. terminal reports an
// answer or hangup block.
func signalsFor(evt ami.Event) ([]Signal, bool) {
	var answer, hangup bool
	switch evt.Type() {
	case "Answer":
		answer = true
	case "Newstate":
		answer = evt.Get("ChannelStateDesc") == "Up"
	case "Hangup":
		hangup = true
	}
	terminal := answer || hangup

	var signals []Signal
	for _, h := range evt.Headers() {
		switch h.Key {
		case "CallerIDNum":
			signals = append(signals, Signal{Kind: SignalCaller, Value: h.Value, FillOnly: terminal})
		case "Exten":
			signals = append(signals, Signal{Kind: SignalExten, Value: h.Value, FillOnly: terminal})
		}
	}
	if answer {
		signals = append(signals, Signal{Kind: SignalAnswer})
	}
	if hangup {
		cause, present := evt.Lookup("Cause")
		signals = append(signals, Signal{Kind: SignalHangup, Value: cause, Present: present})
	}
	return signals, terminal
}

func onlyAnswers(signals []Signal) []Signal {
	var out []Signal
	for _, s := range signals {
		if s.Kind == SignalAnswer {
			out = append(out, s)
		}
	}
	return out
}

// BindRecord attaches the durable record id to a session that still exists.
func (e *Engine) BindRecord(channelID, sessionID string, id int64) bool {
	s, ok := e.registry.Get(channelID)
	if !ok || s.SessionID != sessionID {
		return false
	}
	s.CallRecordID = id
	return e.registry.Update(s)
}

// Session returns the tracked session for channelID.
func (e *Engine) Session(channelID string) (Session, bool) {
	return e.registry.Get(channelID)
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.clock()
}

// SessionForRecord returns the tracked session bound to call record id.
func (e *Engine) SessionForRecord(id int64) (Session, bool) {
	return e.registry.FindByRecordID(id)
}

// Sweep drops sessions created more than maxAge ago. It covers calls whose
// Hangup never arrived; the removed sessions are returned for cleanup.
func (e *Engine) Sweep(maxAge time.Duration) []Session {
	stale := e.registry.RemoveOlderThan(e.clock().Add(-maxAge))
	for _, s := range stale {
		e.log.Warn("dropping stale session", "channel", s.ChannelID, "uniqueid", s.SessionID,
			"created", s.CreatedAt, "ended", s.Ended())
	}
	return stale
}

// Evict removes an ended session if it has not been replaced since.
func (e *Engine) Evict(channelID, sessionID string) bool {
	return e.registry.RemoveIf(channelID, sessionID)
}

// ActiveCalls returns the number of sessions currently being tracked.
func (e *Engine) ActiveCalls() int {
	return e.registry.Len()
}
