package notify

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Subscribers is the live client side of the fan-out.
type Subscribers interface {
	Send(userID *int64, msg []byte) (targeted bool)
}

// Observer is told about every notification handed to the fan-out.
type Observer func(ev Event, targeted bool)

// Fanout delivers notifications to CRM clients and mirrors them to brokers.
// Delivery is fire and forget: failures are logged and never returned.
type Fanout struct {
	subscribers Subscribers
	brokers     []broker
	prefix      string
	observe     Observer
	log         *slog.Logger
}

// FanoutOption configures a Fanout.
type FanoutOption func(*Fanout)

// WithSubscribers attaches the WebSocket side.
func WithSubscribers(s Subscribers) FanoutOption {
	return func(f *Fanout) { f.subscribers = s }
}

type broker struct {
	pub    Publisher
	prefix string // empty means the fan-out prefix
}

// WithBroker adds a broker mirror using the fan-out topic prefix.
func WithBroker(p Publisher) FanoutOption {
	return func(f *Fanout) { f.brokers = append(f.brokers, broker{pub: p}) }
}

// WithPrefixedBroker adds a broker mirror with its own topic prefix.
func WithPrefixedBroker(p Publisher, prefix string) FanoutOption {
	return func(f *Fanout) { f.brokers = append(f.brokers, broker{pub: p, prefix: prefix}) }
}

// WithTopicPrefix sets the broker topic prefix.
func WithTopicPrefix(prefix string) FanoutOption {
	return func(f *Fanout) { f.prefix = prefix }
}

// WithObserver registers a callback for delivered notifications.
func WithObserver(o Observer) FanoutOption {
	return func(f *Fanout) { f.observe = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FanoutOption {
	return func(f *Fanout) { f.log = l }
}

// NewFanout creates a Fanout.
func NewFanout(opts ...FanoutOption) *Fanout {
	f := &Fanout{prefix: "asterisk", log: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Publish delivers n to the assigned user's connection when one exists,
// else to every connection, then to each broker.
func (f *Fanout) Publish(ctx context.Context, n Notification) {
	payload, err := json.Marshal(Envelope{Event: n.Event, Data: n})
	if err != nil {
		f.log.Error("encoding notification", "event", n.Event, "error", err)
		return
	}

	targeted := false
	if f.subscribers != nil {
		targeted = f.subscribers.Send(n.AssignedUserID, payload)
	}

	for _, b := range f.brokers {
		prefix := b.prefix
		if prefix == "" {
			prefix = f.prefix
		}
		topic := n.Topic(prefix)
		if err := b.pub.Publish(ctx, topic, payload); err != nil {
			f.log.Warn("broker publish failed", "topic", topic, "error", err)
		}
	}

	f.log.Info("notification sent", "event", n.Event, "call_id", n.CallID, "targeted", targeted)
	if f.observe != nil {
		f.observe(n.Event, targeted)
	}
}

// Close closes every broker.
func (f *Fanout) Close() error {
	var first error
	for _, b := range f.brokers {
		if err := b.pub.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
