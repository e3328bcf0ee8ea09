package ami

import (
	"strconv"
	"strings"
)

// Event is one AMI message block: an ordered set of key-value headers.
// Responses to actions share the same shape and are Events too.
type Event struct {
	headers []Header
}

// Header is a single "Key: Value" line of an event block.
type Header struct {
	Key   string
	Value string
}

// NewEvent creates an Event from alternating keys and values.
func NewEvent(kvs ...string) Event {
	e := Event{}
	for i := 0; i+1 < len(kvs); i += 2 {
		e.headers = append(e.headers, Header{Key: kvs[i], Value: kvs[i+1]})
	}
	return e
}

// Get returns the first value for the given key, or empty string if not found.
func (e Event) Get(key string) string {
	v, _ := e.Lookup(key)
	return v
}

// Lookup returns the first value for key and whether the key was present at all.
func (e Event) Lookup(key string) (string, bool) {
	for _, h := range e.headers {
		if h.Key == key {
			return h.Value, true
		}
	}
	return "", false
}

// Type returns the Event header value (the AMI event type).
func (e Event) Type() string {
	return e.Get("Event")
}

// ActionID returns the correlation token echoed by responses.
func (e Event) ActionID() string {
	return e.Get("ActionID")
}

// GetInt returns the integer value for the given key, or 0 if not found/parseable.
func (e Event) GetInt(key string) int {
	v, _ := strconv.Atoi(e.Get(key))
	return v
}

// Headers returns all headers in arrival order.
func (e Event) Headers() []Header {
	return e.headers
}

// IsResponse returns true if this is an AMI response rather than an event.
func (e Event) IsResponse() bool {
	return e.Get("Response") != ""
}

// IsError reports whether a response carries "Response: Error".
func (e Event) IsError() bool {
	return strings.EqualFold(e.Get("Response"), "Error")
}

// Empty reports whether the block carried no headers.
func (e Event) Empty() bool {
	return len(e.headers) == 0
}
