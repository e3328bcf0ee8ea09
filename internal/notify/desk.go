package notify

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownUser    = errors.New("user not found")
	ErrUnknownCall    = errors.New("call not found")
	ErrCallFinished   = errors.New("call already finished")
	ErrCallNotStarted = errors.New("call is not in progress")
)

// Desk carries out the call actions an authenticated CRM operator sends
// over the socket.
type Desk interface {
	// Authenticate returns ErrUnknownUser when userID has no account.
	Authenticate(ctx context.Context, userID int64) error
	ActiveCalls(ctx context.Context, userID int64) ([]CallSummary, error)
	AnswerCall(ctx context.Context, userID, callID int64, accept bool) error
	EndCall(ctx context.Context, userID, callID int64) error
}

// CallSummary is one row of the active-calls snapshot.
type CallSummary struct {
	CallID         int64      `json:"id"`
	CallerNumber   string     `json:"caller_number"`
	ReceiverNumber string     `json:"receiver_number"`
	Status         string     `json:"status"`
	AcceptedAt     time.Time  `json:"accepted_at"`
	AnsweredAt     *time.Time `json:"answered_at,omitempty"`
	CompanyID      *int64     `json:"caller_company_id,omitempty"`
	ChannelID      string     `json:"channel_id,omitempty"`
}
