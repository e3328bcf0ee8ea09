package notify

import "context"

// Publisher delivers a payload to a broker topic or channel.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}
