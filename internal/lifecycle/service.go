// Package lifecycle carries out the effects produced by the correlation
// engine: it writes call records, sends notifications, looks up recordings
// and schedules session eviction.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sweeney/asterisk-crm/internal/ami"
	"github.com/sweeney/asterisk-crm/internal/correlator"
	"github.com/sweeney/asterisk-crm/internal/notify"
	"github.com/sweeney/asterisk-crm/internal/recording"
	"github.com/sweeney/asterisk-crm/internal/store"
)

// Store is the persistence surface used by the lifecycle.
type Store interface {
	FindUserByPhone(ctx context.Context, phone string) (*store.User, error)
	FindCompanyByPhone(ctx context.Context, phone string) (*store.Company, error)
	InsertCall(ctx context.Context, c *store.Call) error
	UpdateCall(ctx context.Context, id int64, u store.CallUpdate) error
	FindCallStatus(ctx context.Context, id int64) (store.CallStatus, error)
	SetRecording(ctx context.Context, id int64, status, url, reason string) error
}

// Notifier delivers notifications to CRM clients.
type Notifier interface {
	Publish(ctx context.Context, n notify.Notification)
}

// RecordingFetcher resolves a channel's recording path.
type RecordingFetcher interface {
	Fetch(ctx context.Context, channel string) recording.Result
}

// Metrics receives lifecycle counters. It may be nil.
type Metrics interface {
	CallRecorded(status string)
	PersistError()
	RecordingLookup(status string)
}

// DefaultPublishTimeout bounds one notification so a slow broker cannot
// stall event processing.
const DefaultPublishTimeout = 2 * time.Second

// Scheduler runs fn after d.
type Scheduler func(d time.Duration, fn func())

func afterFunc(d time.Duration, fn func()) { time.AfterFunc(d, fn) }

// callInfo is what later notifications need from the incoming transition.
type callInfo struct {
	user    *store.User
	company *store.Company
}

// Service executes engine effects in order. Handle must be called from a
// single goroutine; recording lookups run on their own goroutines.
type Service struct {
	engine   *correlator.Engine
	store    Store
	notifier Notifier
	schedule Scheduler
	metrics  Metrics
	log      *slog.Logger

	publishTimeout time.Duration

	mu      sync.Mutex
	fetcher RecordingFetcher
	calls   map[int64]callInfo

	wg sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithFetcher sets the recording fetcher.
func WithFetcher(f RecordingFetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

// WithScheduler overrides time.AfterFunc for eviction.
func WithScheduler(fn Scheduler) Option {
	return func(s *Service) { s.schedule = fn }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPublishTimeout sets the deadline given to each notification.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) { s.publishTimeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New creates a Service.
func New(engine *correlator.Engine, st Store, n Notifier, opts ...Option) *Service {
	s := &Service{
		engine:   engine,
		store:    st,
		notifier: n,
		schedule: afterFunc,
		log:      slog.Default(),
		calls:    make(map[int64]callInfo),

		publishTimeout: DefaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UseFetcher replaces the recording fetcher, typically after an AMI reconnect.
func (s *Service) UseFetcher(f RecordingFetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetcher = f
}

// Handle feeds evt to the engine and performs the resulting effects.
func (s *Service) Handle(ctx context.Context, evt ami.Event) {
	s.Execute(ctx, s.engine.Process(evt))
}

// Execute performs effects in order.
func (s *Service) Execute(ctx context.Context, effects []correlator.Effect) {
	// Record ids created by a terminal insert, for the fetch that follows.
	var ended map[string]int64

	for _, eff := range effects {
		switch eff.Kind {
		case correlator.EffectRecordIncoming:
			s.recordIncoming(ctx, eff)
		case correlator.EffectAnswer:
			s.answer(ctx, eff)
		case correlator.EffectEnd:
			if id := s.end(ctx, eff); id != 0 {
				if ended == nil {
					ended = make(map[string]int64)
				}
				ended[sessionKey(eff.Session)] = id
			}
		case correlator.EffectFetchRecording:
			id := eff.Session.CallRecordID
			if created, ok := ended[sessionKey(eff.Session)]; ok {
				id = created
			}
			s.fetchRecording(ctx, eff.Session.ChannelID, id)
		case correlator.EffectEvict:
			s.scheduleEviction(eff)
		}
	}
}

// Wait blocks until outstanding recording lookups finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

func sessionKey(sess correlator.Session) string {
	return sess.ChannelID + "\x00" + sess.SessionID
}

func (s *Service) lookup(ctx context.Context, sess correlator.Session) callInfo {
	var info callInfo
	if sess.ReceiverNumber != "" {
		u, err := s.store.FindUserByPhone(ctx, sess.ReceiverNumber)
		switch {
		case err == nil:
			info.user = u
		case !errors.Is(err, store.ErrNotFound):
			s.log.Warn("user lookup failed", "number", sess.ReceiverNumber, "error", err)
		}
	}
	if sess.CallerNumber != "" {
		c, err := s.store.FindCompanyByPhone(ctx, sess.CallerNumber)
		switch {
		case err == nil:
			info.company = c
		case !errors.Is(err, store.ErrNotFound):
			s.log.Warn("company lookup failed", "number", sess.CallerNumber, "error", err)
		}
	}
	return info
}

func (s *Service) recordIncoming(ctx context.Context, eff correlator.Effect) {
	sess := eff.Session
	info := s.lookup(ctx, sess)

	call := newCall(sess, info, store.StatusIncoming)
	if err := s.store.InsertCall(ctx, call); err != nil {
		s.log.Error("inserting incoming call", "channel", sess.ChannelID, "error", err)
		s.persistError()
		return
	}

	s.engine.BindRecord(sess.ChannelID, sess.SessionID, call.ID)
	s.remember(call.ID, info)
	s.recorded(store.StatusIncoming)
	s.log.Info("incoming call recorded",
		"call_id", call.ID, "channel", sess.ChannelID,
		"caller", sess.CallerNumber, "receiver", sess.ReceiverNumber)

	s.publish(ctx, notify.EventIncomingCall, sess, call.ID, store.StatusIncoming, eff.At, info, nil, "")
}

func (s *Service) answer(ctx context.Context, eff correlator.Effect) {
	sess := eff.Session
	id := sess.CallRecordID
	status := store.StatusAnswered
	answeredAt := eff.At
	update := store.CallUpdate{Status: &status, AnsweredAt: &answeredAt}

	// An operator may already have taken or closed the call from the desk.
	cs, err := s.store.FindCallStatus(ctx, id)
	switch {
	case err != nil:
		s.log.Warn("reading call status", "call_id", id, "error", err)
	case cs.EndedAt != nil || cs.Status == store.StatusRejected:
		s.log.Info("ignoring answer for call closed by operator", "call_id", id, "status", cs.Status)
		return
	default:
		if cs.Status == store.StatusAccepted {
			status = store.StatusActive
		}
		if cs.AnsweredAt != nil {
			update.AnsweredAt = nil
		}
	}

	if err := s.store.UpdateCall(ctx, id, update); err != nil {
		s.log.Error("marking call answered", "call_id", id, "error", err)
		s.persistError()
		return
	}

	s.recorded(status)
	s.log.Info("call answered", "call_id", id, "channel", sess.ChannelID, "status", status)
	s.publish(ctx, notify.EventCallAnswered, sess, id, status, eff.At, s.recall(id), nil, "")
}

// end finalises the call row and returns its id, or 0 when no row exists.
func (s *Service) end(ctx context.Context, eff correlator.Effect) int64 {
	sess := eff.Session
	if sess.CallRecordID == 0 {
		return s.endWithoutRecord(ctx, eff)
	}

	id := sess.CallRecordID
	info := s.recall(id)
	defer s.forget(id)

	endedAt := sess.EndedAt
	cause := eff.Cause

	answered := sess.Answered()
	cs, err := s.store.FindCallStatus(ctx, id)
	switch {
	case err != nil:
		s.log.Warn("reading call status", "call_id", id, "error", err)
	case cs.EndedAt != nil || cs.Status == store.StatusRejected:
		return s.closeAfterOperator(ctx, id, cs, endedAt, cause)
	case cs.AnsweredAt != nil:
		answered = true
	}

	update := store.CallUpdate{EndedAt: &endedAt, HangupCause: &cause}

	var status string
	var duration *int64
	event := notify.EventCallEnded
	if answered {
		status = store.StatusCompleted
		d := int64(sess.EndedAt.Sub(sess.CreatedAt) / time.Second)
		duration = &d
		update.Duration = duration
	} else {
		status = string(eff.Outcome)
		if eff.Outcome == correlator.OutcomeMissed {
			event = notify.EventMissedCallCreated
		}
	}
	update.Status = &status

	if err := s.store.UpdateCall(ctx, id, update); err != nil {
		s.log.Error("finalising call", "call_id", id, "status", status, "error", err)
		s.persistError()
		return id
	}

	s.recorded(status)
	s.log.Info("call ended", "call_id", id, "channel", sess.ChannelID, "status", status, "cause", cause)
	s.publish(ctx, event, sess, id, status, eff.At, info, duration, cause)
	return id
}

// closeAfterOperator records the hangup of a call the desk already
// rejected or ended. Clients were notified by the desk action.
func (s *Service) closeAfterOperator(ctx context.Context, id int64, cs store.CallStatus, endedAt time.Time, cause string) int64 {
	update := store.CallUpdate{HangupCause: &cause}
	if cs.EndedAt == nil {
		update.EndedAt = &endedAt
	}
	if err := s.store.UpdateCall(ctx, id, update); err != nil {
		s.log.Error("storing hangup cause", "call_id", id, "error", err)
		s.persistError()
		return id
	}
	s.log.Info("call hung up after operator action", "call_id", id, "status", cs.Status, "cause", cause)
	return id
}

func (s *Service) endWithoutRecord(ctx context.Context, eff correlator.Effect) int64 {
	sess := eff.Session
	if sess.CallerNumber == "" && sess.ReceiverNumber == "" {
		s.log.Info("call ended before any number was known", "channel", sess.ChannelID)
		return 0
	}
	if sess.SelfLoop() {
		s.log.Info("ignoring ended call to self", "channel", sess.ChannelID)
		return 0
	}

	info := s.lookup(ctx, sess)
	status := string(eff.Outcome)
	call := newCall(sess, info, status)
	endedAt := sess.EndedAt
	cause := eff.Cause
	call.EndedAt = &endedAt
	call.HangupCause = &cause

	if err := s.store.InsertCall(ctx, call); err != nil {
		s.log.Error("inserting ended call", "channel", sess.ChannelID, "status", status, "error", err)
		s.persistError()
		return 0
	}

	s.engine.BindRecord(sess.ChannelID, sess.SessionID, call.ID)
	s.recorded(status)
	s.log.Info("unrecorded call ended", "call_id", call.ID, "channel", sess.ChannelID, "status", status, "cause", cause)

	if eff.Outcome == correlator.OutcomeMissed {
		s.publish(ctx, notify.EventMissedCallCreated, sess, call.ID, status, eff.At, info, nil, cause)
	}
	return call.ID
}

func (s *Service) fetchRecording(ctx context.Context, channel string, id int64) {
	s.mu.Lock()
	fetcher := s.fetcher
	s.mu.Unlock()
	if fetcher == nil || id == 0 {
		return
	}

	// The lookup must outlive a cancelled AMI session long enough to record
	// its failure.
	bg := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := fetcher.Fetch(ctx, channel)
		if s.metrics != nil {
			s.metrics.RecordingLookup(res.Status)
		}
		if err := s.store.SetRecording(bg, id, res.Status, res.Path, res.Reason); err != nil {
			s.log.Error("storing recording result", "call_id", id, "error", err)
			return
		}
		s.log.Info("recording resolved", "call_id", id, "status", res.Status, "path", res.Path, "reason", res.Reason)
	}()
}

// Sweep drops sessions older than maxAge whose Hangup never arrived. Their
// call rows are closed with the sweep time so they leave the active list.
// It returns the number of sessions dropped.
func (s *Service) Sweep(ctx context.Context, maxAge time.Duration) int {
	stale := s.engine.Sweep(maxAge)
	for _, sess := range stale {
		id := sess.CallRecordID
		if id == 0 || sess.Ended() {
			continue
		}
		s.forget(id)
		now := s.engine.Now()
		if err := s.store.UpdateCall(ctx, id, store.CallUpdate{EndedAt: &now}); err != nil {
			s.log.Error("closing stale call", "call_id", id, "error", err)
			s.persistError()
			continue
		}
		s.log.Warn("closed call without hangup", "call_id", id, "channel", sess.ChannelID, "created", sess.CreatedAt)
	}
	return len(stale)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval, maxAge time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(ctx, maxAge); n > 0 {
				s.log.Info("stale sessions swept", "count", n, "remaining", s.engine.ActiveCalls())
			}
		}
	}
}

func (s *Service) scheduleEviction(eff correlator.Effect) {
	channel, sessionID := eff.Session.ChannelID, eff.Session.SessionID
	s.schedule(eff.Delay, func() {
		if s.engine.Evict(channel, sessionID) {
			s.log.Debug("session evicted", "channel", channel)
		}
	})
}

func (s *Service) publish(ctx context.Context, ev notify.Event, sess correlator.Session, id int64,
	status string, at time.Time, info callInfo, duration *int64, cause string) {
	n := notify.Notification{
		Event:          ev,
		CallID:         id,
		CallerNumber:   sess.CallerNumber,
		ReceiverNumber: sess.ReceiverNumber,
		Status:         status,
		Timestamp:      at,
		ChannelID:      sess.ChannelID,
		Duration:       duration,
	}
	if info.user != nil {
		uid := info.user.ID
		n.AssignedUserID = &uid
		n.UserName = joinName(info.user.FirstName, info.user.LastName)
	}
	if info.company != nil {
		cid := info.company.ID
		n.CompanyID = &cid
		n.CompanyName = info.company.Name
	}
	if cause != "" {
		n.Cause = cause
		n.CauseName, _ = correlator.DescribeCause(cause)
	}
	s.notify(ctx, n)
}

func (s *Service) notify(ctx context.Context, n notify.Notification) {
	if s.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.publishTimeout)
		defer cancel()
	}
	s.notifier.Publish(ctx, n)
}

func newCall(sess correlator.Session, info callInfo, status string) *store.Call {
	call := &store.Call{
		CallerNumber:   sess.CallerNumber,
		ReceiverNumber: sess.ReceiverNumber,
		ChannelID:      sess.ChannelID,
		AcceptedAt:     sess.CreatedAt,
		Status:         status,
	}
	if info.user != nil {
		uid := info.user.ID
		call.AssignedUserID = &uid
	}
	if info.company != nil {
		cid := info.company.ID
		call.CallerCompanyID = &cid
	}
	return call
}

func joinName(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	}
	return first + " " + last
}

func (s *Service) remember(id int64, info callInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[id] = info
}

func (s *Service) recall(id int64) callInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[id]
}

func (s *Service) forget(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.calls, id)
}

func (s *Service) recorded(status string) {
	if s.metrics != nil {
		s.metrics.CallRecorded(status)
	}
}

func (s *Service) persistError() {
	if s.metrics != nil {
		s.metrics.PersistError()
	}
}
