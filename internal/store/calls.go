package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Call statuses.
const (
	StatusIncoming  = "incoming"
	StatusAnswered  = "answered"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusMissed    = "missed"
	StatusCancelled = "cancelled"
	StatusOutgoing  = "outgoing"
)

// Recording statuses.
const (
	RecordingAvailable   = "available"
	RecordingUnavailable = "unavailable"
	RecordingError       = "error"
	RecordingAbsent      = "absent"
)

// Call is the durable record of one inbound call.
type Call struct {
	ID               int64
	CallerNumber     string
	ReceiverNumber   string
	AssignedUserID   *int64
	AnsweredByUserID *int64
	CallerCompanyID  *int64
	ChannelID        string
	AcceptedAt       time.Time
	AnsweredAt       *time.Time
	EndedAt          *time.Time
	Status           string
	Duration         int64
	RecordingURL     *string
	RecordingStatus  string
	RecordingReason  *string
	HangupCause      *string
}

// CallUpdate lists the columns to change. Nil fields are left untouched.
type CallUpdate struct {
	Status      *string
	AnsweredAt  *time.Time
	EndedAt     *time.Time
	Duration    *int64
	HangupCause *string
	AnsweredBy  *int64
}

// CallStatus is the subset of a call row needed to decide a hangup outcome.
type CallStatus struct {
	Status     string
	AnsweredAt *time.Time
	EndedAt    *time.Time
}

// InsertCall creates a call row and sets c.ID.
func (s *Store) InsertCall(ctx context.Context, c *Call) error {
	if c.RecordingStatus == "" {
		c.RecordingStatus = RecordingAbsent
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO calls (caller_number, receiver_number, assigned_user_id,
		 caller_company_id, channel_id, accepted_at, answered_at, ended_at,
		 status, duration, recording_status, hangup_cause)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		c.CallerNumber, c.ReceiverNumber, nullInt64(c.AssignedUserID), nullInt64(c.CallerCompanyID),
		c.ChannelID, c.AcceptedAt.UTC(), nullTime(c.AnsweredAt), nullTime(c.EndedAt),
		c.Status, c.Duration, c.RecordingStatus, nullStringPtr(c.HangupCause),
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("inserting call: %w", err)
	}
	return nil
}

// UpdateCall applies u to the call with the given id.
func (s *Store) UpdateCall(ctx context.Context, id int64, u CallUpdate) error {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.AnsweredAt != nil {
		add("answered_at", u.AnsweredAt.UTC())
	}
	if u.EndedAt != nil {
		add("ended_at", u.EndedAt.UTC())
	}
	if u.Duration != nil {
		add("duration", *u.Duration)
	}
	if u.HangupCause != nil {
		add("hangup_cause", *u.HangupCause)
	}
	if u.AnsweredBy != nil {
		add("answered_by_user_id", *u.AnsweredBy)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE calls SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating call %d: %w", id, err)
	}
	return expectRow(res, id)
}

// FindCallStatus returns the current status, answer and end time of a call.
func (s *Store) FindCallStatus(ctx context.Context, id int64) (CallStatus, error) {
	var cs CallStatus
	var answered, ended sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT status, answered_at, ended_at FROM calls WHERE id = $1`, id,
	).Scan(&cs.Status, &answered, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return CallStatus{}, ErrNotFound
	}
	if err != nil {
		return CallStatus{}, fmt.Errorf("finding call status %d: %w", id, err)
	}
	cs.AnsweredAt = timePtr(answered)
	cs.EndedAt = timePtr(ended)
	return cs, nil
}

// SetRecording stores the outcome of a recording metadata lookup.
func (s *Store) SetRecording(ctx context.Context, id int64, status, url, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET recording_status = $1, recording_url = $2, recording_reason = $3
		 WHERE id = $4`,
		status, nullString(url), nullString(reason), id,
	)
	if err != nil {
		return fmt.Errorf("setting recording for call %d: %w", id, err)
	}
	return expectRow(res, id)
}

const callColumns = `id, caller_number, receiver_number, assigned_user_id, answered_by_user_id,
	caller_company_id, channel_id, accepted_at, answered_at, ended_at, status, duration,
	recording_url, recording_status, recording_reason, hangup_cause`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (*Call, error) {
	var (
		c                         Call
		user, answeredBy, company sql.NullInt64
		answered, ended           sql.NullTime
		recURL, recReason, hangup sql.NullString
	)
	if err := row.Scan(&c.ID, &c.CallerNumber, &c.ReceiverNumber, &user, &answeredBy, &company,
		&c.ChannelID, &c.AcceptedAt, &answered, &ended, &c.Status, &c.Duration,
		&recURL, &c.RecordingStatus, &recReason, &hangup); err != nil {
		return nil, err
	}
	c.AssignedUserID = int64Ptr(user)
	c.AnsweredByUserID = int64Ptr(answeredBy)
	c.CallerCompanyID = int64Ptr(company)
	c.AnsweredAt = timePtr(answered)
	c.EndedAt = timePtr(ended)
	c.RecordingURL = stringPtr(recURL)
	c.RecordingReason = stringPtr(recReason)
	c.HangupCause = stringPtr(hangup)
	return &c, nil
}

// GetCall returns a call by id.
func (s *Store) GetCall(ctx context.Context, id int64) (*Call, error) {
	c, err := scanCall(s.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM calls WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting call %d: %w", id, err)
	}
	return c, nil
}

// ListActiveCalls returns the calls assigned to or taken by userID that have
// not ended, oldest first.
func (s *Store) ListActiveCalls(ctx context.Context, userID int64) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM calls
		 WHERE (assigned_user_id = $1 OR answered_by_user_id = $1)
		   AND ended_at IS NULL
		   AND status IN ($2, $3, $4, $5)
		 ORDER BY accepted_at, id`,
		userID, StatusIncoming, StatusAnswered, StatusAccepted, StatusActive)
	if err != nil {
		return nil, fmt.Errorf("listing active calls for user %d: %w", userID, err)
	}
	defer rows.Close()

	var out []Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning call: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func expectRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("call %d: %w", id, ErrNotFound)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt64(n *int64) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *n, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	return &n.Int64
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}
