package recording

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/asterisk-crm/internal/ami"
)

// fakeConn answers GetVar actions with a canned reply.
type fakeConn struct {
	mu      sync.Mutex
	waiters map[string]chan ami.Event
	sent    []ami.Action
	reply   func(a ami.Action) (ami.Event, bool)
	sendErr error
}

func newFakeConn(reply func(a ami.Action) (ami.Event, bool)) *fakeConn {
	return &fakeConn{waiters: make(map[string]chan ami.Event), reply: reply}
}

func (c *fakeConn) Send(a ami.Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, a)
	if c.reply == nil {
		return nil
	}
	if evt, ok := c.reply(a); ok {
		if ch, ok := c.waiters[a.ID()]; ok {
			ch <- evt
			delete(c.waiters, a.ID())
		}
	}
	return nil
}

func (c *fakeConn) Await(id string) (<-chan ami.Event, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan ami.Event, 1)
	c.waiters[id] = ch
	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.waiters, id)
	}
}

func (c *fakeConn) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func fixedID() Option {
	return WithIDGenerator(func() string { return "getvar-1" })
}

func TestFetchAvailable(t *testing.T) {
	conn := newFakeConn(func(a ami.Action) (ami.Event, bool) {
		return ami.NewEvent("Response", "Success", "ActionID", a.ID(),
			"Variable", a.Get("Variable"), "Value", "/var/spool/asterisk/monitor/call-1.wav"), true
	})
	f := New(conn, fixedID())

	got := f.Fetch(context.Background(), "SIP/trunk-00000001")
	want := Result{Status: StatusAvailable, Path: "/var/spool/asterisk/monitor/call-1.wav"}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}

	if len(conn.sent) != 1 {
		t.Fatalf("expected 1 action, got %d", len(conn.sent))
	}
	a := conn.sent[0]
	if a.Name() != "GetVar" || a.ID() != "getvar-1" || a.Get("Channel") != "SIP/trunk-00000001" || a.Get("Variable") != DefaultVariable {
		t.Errorf("unexpected action %s", a.Bytes())
	}
	if conn.pending() != 0 {
		t.Errorf("expected no pending waiters, got %d", conn.pending())
	}
}

func TestFetchEmptyValue(t *testing.T) {
	conn := newFakeConn(func(a ami.Action) (ami.Event, bool) {
		return ami.NewEvent("Response", "Success", "ActionID", a.ID(), "Value", ""), true
	})
	got := New(conn).Fetch(context.Background(), "ch1")
	if got.Status != StatusUnavailable {
		t.Errorf("expected unavailable, got %+v", got)
	}
	if conn.pending() != 0 {
		t.Errorf("expected no pending waiters, got %d", conn.pending())
	}
}

func TestFetchErrorResponse(t *testing.T) {
	conn := newFakeConn(func(a ami.Action) (ami.Event, bool) {
		return ami.NewEvent("Response", "Error", "ActionID", a.ID(), "Message", "No such channel"), true
	})
	got := New(conn).Fetch(context.Background(), "ch1")
	want := Result{Status: StatusUnavailable, Reason: "No such channel"}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if conn.pending() != 0 {
		t.Errorf("expected no pending waiters, got %d", conn.pending())
	}
}

func TestFetchTimeout(t *testing.T) {
	conn := newFakeConn(nil)
	f := New(conn, WithTimeout(20*time.Millisecond))

	start := time.Now()
	got := f.Fetch(context.Background(), "ch1")
	if got != (Result{Status: StatusUnavailable, Reason: "timeout"}) {
		t.Errorf("unexpected result %+v", got)
	}
	if time.Since(start) > time.Second {
		t.Error("fetch did not honour timeout")
	}
	if conn.pending() != 0 {
		t.Errorf("expected waiter removed after timeout, got %d", conn.pending())
	}
}

func TestFetchSendError(t *testing.T) {
	conn := newFakeConn(nil)
	conn.sendErr = errors.New("connection closed")

	got := New(conn).Fetch(context.Background(), "ch1")
	want := Result{Status: StatusError, Reason: "connection closed"}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if conn.pending() != 0 {
		t.Errorf("expected waiter removed after send error, got %d", conn.pending())
	}
}

func TestFetchContextCancelled(t *testing.T) {
	conn := newFakeConn(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := New(conn).Fetch(ctx, "ch1")
	if got.Status != StatusError {
		t.Errorf("expected error status on cancelled context, got %+v", got)
	}
}

func TestFetchCustomVariable(t *testing.T) {
	conn := newFakeConn(nil)
	New(conn, WithVariable("MIXMONITOR_FILENAME"), WithTimeout(time.Millisecond)).Fetch(context.Background(), "ch1")
	if conn.sent[0].Get("Variable") != "MIXMONITOR_FILENAME" {
		t.Errorf("unexpected variable %s", conn.sent[0].Get("Variable"))
	}
}

func TestDefaultActionIDsAreUnique(t *testing.T) {
	conn := newFakeConn(nil)
	f := New(conn, WithTimeout(time.Millisecond))
	f.Fetch(context.Background(), "ch1")
	f.Fetch(context.Background(), "ch1")
	if conn.sent[0].ID() == conn.sent[1].ID() {
		t.Errorf("expected distinct action ids, got %s twice", conn.sent[0].ID())
	}
}
