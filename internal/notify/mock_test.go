package notify

import (
	"context"
	"errors"
	"testing"
)

func TestMockPublishAndMessages(t *testing.T) {
	m := NewMockPublisher()

	if err := m.Publish(context.Background(), "topic/a", []byte(`{"event":"incoming-call","data":{"id":1}}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Publish(context.Background(), "topic/b", []byte(`{"event":"call-ended","data":{"id":1}}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msgs := m.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Topic != "topic/a" || msgs[1].Topic != "topic/b" {
		t.Errorf("unexpected topics %s, %s", msgs[0].Topic, msgs[1].Topic)
	}

	events := m.Events()
	if len(events) != 2 || events[0] != EventIncomingCall || events[1] != EventCallEnded {
		t.Errorf("unexpected events %v", events)
	}
}

func TestMockPayloadIsCopied(t *testing.T) {
	m := NewMockPublisher()

	payload := []byte("original")
	if err := m.Publish(context.Background(), "t", payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload[0] = 'X'

	msgs := m.Messages()
	if string(msgs[0].Payload) != "original" {
		t.Errorf("payload was not copied, got %q", msgs[0].Payload)
	}
}

func TestMockSetErrorAndReset(t *testing.T) {
	m := NewMockPublisher()
	testErr := errors.New("broker down")
	m.SetError(testErr)

	if err := m.Publish(context.Background(), "t", []byte("x")); !errors.Is(err, testErr) {
		t.Fatalf("expected %v, got %v", testErr, err)
	}
	if len(m.Messages()) != 0 {
		t.Errorf("expected 0 messages after error, got %d", len(m.Messages()))
	}

	m.SetError(nil)
	m.Publish(context.Background(), "t", []byte("y"))
	m.Reset()
	if len(m.Messages()) != 0 {
		t.Errorf("expected 0 messages after reset, got %d", len(m.Messages()))
	}
}
