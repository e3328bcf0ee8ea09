package correlator

import "time"

// State is the correlation state of a channel session.
type State string

const (
	StateNew              State = "new"
	StateNumbersKnown     State = "numbers_known"
	StateIncomingRecorded State = "incoming_recorded"
	StateAnswered         State = "answered"
	StateEnded            State = "ended"
)

// Session is the in-flight view of one PBX channel.
type Session struct {
	ChannelID      string
	SessionID      string // AMI Uniqueid
	LinkedID       string
	CallerNumber   string
	ReceiverNumber string
	CreatedAt      time.Time
	AnsweredAt     time.Time
	EndedAt        time.Time
	CallRecordID   int64 // 0 until the durable row exists
	Processed      bool  // the incoming transition has fired
	State          State
}

// Answered reports whether an answer was observed for this session.
func (s Session) Answered() bool {
	return !s.AnsweredAt.IsZero()
}

// Ended reports whether the terminal hangup has been applied.
func (s Session) Ended() bool {
	return s.State == StateEnded
}

// SignalKind identifies what an event block contributed to a session.
type SignalKind int

const (
	SignalCaller SignalKind = iota + 1
	SignalExten
	SignalAnswer
	SignalHangup
)

// Signal is one fact extracted from an event block.
type Signal struct {
	Kind  SignalKind
	Value string

	// Present distinguishes an empty Cause header from a missing one.
	Present bool

	// FillOnly numbers come from answer/hangup blocks: they fill gaps but
	// never trigger the incoming transition.
	FillOnly bool
}

// EffectKind names a side effect requested by a transition.
type EffectKind int

const (
	EffectRecordIncoming EffectKind = iota + 1
	EffectAnswer
	EffectEnd
	EffectFetchRecording
	EffectEvict
)

func (k EffectKind) String() string {
	switch k {
	case EffectRecordIncoming:
		return "record_incoming"
	case EffectAnswer:
		return "answer"
	case EffectEnd:
		return "end"
	case EffectFetchRecording:
		return "fetch_recording"
	case EffectEvict:
		return "evict"
	}
	return "unknown"
}

// Effect is work the lifecycle executor must perform after a transition.
type Effect struct {
	Kind    EffectKind
	Session Session
	At      time.Time

	// EffectEnd
	Outcome Outcome
	Cause   string

	// EffectEvict
	Delay time.Duration
}

// Apply is the session state machine: it returns the next session and the
// effects the transition requires. It performs no I/O.
func (s Session) Apply(sig Signal, now time.Time, evictAfter time.Duration) (Session, []Effect) {
	if s.Ended() {
		return s, nil
	}

	switch sig.Kind {
	case SignalCaller:
		if sig.Value == "" {
			return s, nil
		}
		if sig.FillOnly || s.Processed {
			if s.CallerNumber == "" && !s.Processed {
				s.CallerNumber = sig.Value
				s = s.advanceNumbers()
			}
			return s, nil
		}
		s.CallerNumber = sig.Value
		return s.advanceNumbers(), nil

	case SignalExten:
		if sig.Value == "" {
			return s, nil
		}
		if sig.FillOnly || s.Processed {
			if s.ReceiverNumber == "" && !s.Processed {
				s.ReceiverNumber = sig.Value
				s = s.advanceNumbers()
			}
			return s, nil
		}
		s.ReceiverNumber = sig.Value
		s = s.advanceNumbers()
		if s.CallerNumber == "" || s.SelfLoop() {
			return s, nil
		}
		s.Processed = true
		s.State = StateIncomingRecorded
		return s, []Effect{{Kind: EffectRecordIncoming, Session: s, At: now}}

	case SignalAnswer:
		if s.Answered() || s.CallRecordID == 0 {
			return s, nil
		}
		s.AnsweredAt = now
		s.State = StateAnswered
		return s, []Effect{{Kind: EffectAnswer, Session: s, At: now}}

	case SignalHangup:
		cause := ""
		if sig.Present {
			cause = sig.Value
		}
		s.EndedAt = now
		s.State = StateEnded
		return s, []Effect{
			{Kind: EffectEnd, Session: s, At: now, Outcome: Classify(cause), Cause: cause},
			{Kind: EffectFetchRecording, Session: s, At: now},
			{Kind: EffectEvict, Session: s, At: now, Delay: evictAfter},
		}
	}
	return s, nil
}

// SelfLoop reports a call whose caller and receiver are the same number.
func (s Session) SelfLoop() bool {
	return s.CallerNumber != "" && s.CallerNumber == s.ReceiverNumber
}

func (s Session) advanceNumbers() Session {
	if s.State == StateNew && s.CallerNumber != "" && s.ReceiverNumber != "" {
		s.State = StateNumbersKnown
	}
	return s
}
