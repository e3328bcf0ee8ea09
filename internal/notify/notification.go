package notify

import (
	"fmt"
	"time"
)

// Event names the notification delivered to CRM clients.
type Event string

const (
	EventIncomingCall      Event = "incoming-call"
	EventCallAnswered      Event = "call-answered"
	EventMissedCallCreated Event = "missed-call-created"
	EventCallEnded         Event = "call-ended"

	// EventAuthenticated acknowledges a client's authenticate message.
	EventAuthenticated Event = "authenticated"
	EventAuthError     Event = "auth_error"
	EventActiveCalls   Event = "active-calls"
	EventError         Event = "error"
)

// Notification is one call lifecycle transition as seen by CRM clients.
type Notification struct {
	Event          Event     `json:"-"`
	CallID         int64     `json:"id"`
	CallerNumber   string    `json:"caller_number"`
	ReceiverNumber string    `json:"receiver_number"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	AssignedUserID *int64    `json:"assigned_user_id"`
	AnsweredBy     *int64    `json:"answered_by_user_id,omitempty"`
	UserName       string    `json:"user_name,omitempty"`
	CompanyID      *int64    `json:"caller_company_id,omitempty"`
	CompanyName    string    `json:"company_name,omitempty"`
	ChannelID      string    `json:"channel_id,omitempty"`
	Duration       *int64    `json:"duration,omitempty"`
	Cause          string    `json:"cause,omitempty"`
	CauseName      string    `json:"cause_name,omitempty"`
}

// Envelope is the wire form shared by WebSocket clients and broker mirrors.
type Envelope struct {
	Event Event `json:"event"`
	Data  any   `json:"data"`
}

// Topic returns the broker topic for n under prefix:
// <prefix>/crm/user/<id>/<event> when assigned, else <prefix>/crm/<event>.
func (n Notification) Topic(prefix string) string {
	if n.AssignedUserID != nil {
		return fmt.Sprintf("%s/crm/user/%d/%s", prefix, *n.AssignedUserID, n.Event)
	}
	return fmt.Sprintf("%s/crm/%s", prefix, n.Event)
}
