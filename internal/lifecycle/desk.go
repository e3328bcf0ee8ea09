package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sweeney/asterisk-crm/internal/notify"
	"github.com/sweeney/asterisk-crm/internal/store"
)

// DeskStore is the persistence surface used by operator call actions.
type DeskStore interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
	GetCall(ctx context.Context, id int64) (*store.Call, error)
	ListActiveCalls(ctx context.Context, userID int64) ([]store.Call, error)
	UpdateCall(ctx context.Context, id int64, u store.CallUpdate) error
}

// Desk applies the accept, reject and end actions operators send from the
// CRM. It shares the Service's notifier so brokers and metrics see desk
// transitions like any other.
type Desk struct {
	svc   *Service
	store DeskStore
}

var _ notify.Desk = (*Desk)(nil)

// NewDesk creates a Desk backed by svc's engine and notifier.
func NewDesk(svc *Service, st DeskStore) *Desk {
	return &Desk{svc: svc, store: st}
}

// Authenticate checks that userID belongs to a known user.
func (d *Desk) Authenticate(ctx context.Context, userID int64) error {
	_, err := d.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return notify.ErrUnknownUser
	}
	return err
}

// ActiveCalls lists the user's calls that have not ended.
func (d *Desk) ActiveCalls(ctx context.Context, userID int64) ([]notify.CallSummary, error) {
	calls, err := d.store.ListActiveCalls(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]notify.CallSummary, 0, len(calls))
	for _, c := range calls {
		out = append(out, notify.CallSummary{
			CallID:         c.ID,
			CallerNumber:   c.CallerNumber,
			ReceiverNumber: c.ReceiverNumber,
			Status:         c.Status,
			AcceptedAt:     c.AcceptedAt,
			AnsweredAt:     c.AnsweredAt,
			CompanyID:      c.CallerCompanyID,
			ChannelID:      c.ChannelID,
		})
	}
	return out, nil
}

// AnswerCall accepts or rejects a ringing call on behalf of userID. Accepting
// a call the PBX already answered makes it active.
func (d *Desk) AnswerCall(ctx context.Context, userID, callID int64, accept bool) error {
	call, err := d.openCall(ctx, callID)
	if err != nil {
		return err
	}

	now := d.svc.engine.Now()
	sess, tracked := d.svc.engine.SessionForRecord(callID)
	update := store.CallUpdate{AnsweredBy: &userID}

	var status string
	switch {
	case !accept:
		status = store.StatusRejected
	case call.Status == store.StatusAnswered || (tracked && sess.Answered()):
		status = store.StatusActive
	default:
		status = store.StatusAccepted
	}
	update.Status = &status
	if accept && call.AnsweredAt == nil {
		update.AnsweredAt = &now
	}

	if err := d.store.UpdateCall(ctx, callID, update); err != nil {
		d.svc.persistError()
		return fmt.Errorf("updating call %d: %w", callID, err)
	}

	d.svc.recorded(status)
	d.svc.log.Info("operator answered call", "call_id", callID, "user_id", userID, "status", status)
	call.Status = status
	d.publish(ctx, notify.EventCallAnswered, call, userID, now, nil)
	return nil
}

// EndCall completes a call the operator has taken.
func (d *Desk) EndCall(ctx context.Context, userID, callID int64) error {
	call, err := d.openCall(ctx, callID)
	if err != nil {
		return err
	}
	switch call.Status {
	case store.StatusAnswered, store.StatusAccepted, store.StatusActive:
	default:
		return notify.ErrCallNotStarted
	}

	now := d.svc.engine.Now()
	status := store.StatusCompleted
	duration := int64(now.Sub(call.AcceptedAt) / time.Second)
	if duration < 0 {
		duration = 0
	}
	update := store.CallUpdate{Status: &status, EndedAt: &now, Duration: &duration}
	if call.AnsweredByUserID == nil {
		update.AnsweredBy = &userID
	}
	if err := d.store.UpdateCall(ctx, callID, update); err != nil {
		d.svc.persistError()
		return fmt.Errorf("updating call %d: %w", callID, err)
	}

	d.svc.recorded(status)
	d.svc.log.Info("operator ended call", "call_id", callID, "user_id", userID, "duration", duration)
	call.Status = status
	d.publish(ctx, notify.EventCallEnded, call, userID, now, &duration)
	d.svc.forget(callID)
	return nil
}

// openCall loads a call that is still open for operator actions.
func (d *Desk) openCall(ctx context.Context, callID int64) (*store.Call, error) {
	call, err := d.store.GetCall(ctx, callID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notify.ErrUnknownCall
	}
	if err != nil {
		return nil, err
	}
	if call.EndedAt != nil {
		return nil, notify.ErrCallFinished
	}
	switch call.Status {
	case store.StatusRejected, store.StatusCompleted, store.StatusMissed, store.StatusCancelled:
		return nil, notify.ErrCallFinished
	}
	if sess, ok := d.svc.engine.SessionForRecord(callID); ok && sess.Ended() {
		return nil, notify.ErrCallFinished
	}
	return call, nil
}

func (d *Desk) publish(ctx context.Context, ev notify.Event, call *store.Call, userID int64, at time.Time, duration *int64) {
	n := notify.Notification{
		Event:          ev,
		CallID:         call.ID,
		CallerNumber:   call.CallerNumber,
		ReceiverNumber: call.ReceiverNumber,
		Status:         call.Status,
		Timestamp:      at,
		AssignedUserID: call.AssignedUserID,
		AnsweredBy:     &userID,
		CompanyID:      call.CallerCompanyID,
		ChannelID:      call.ChannelID,
		Duration:       duration,
	}
	info := d.svc.recall(call.ID)
	if info.user != nil {
		n.UserName = joinName(info.user.FirstName, info.user.LastName)
	}
	if info.company != nil {
		n.CompanyName = info.company.Name
	}
	d.svc.notify(ctx, n)
}
