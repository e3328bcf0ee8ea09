package ami_test

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/asterisk-crm/internal/ami"
)

// readAction reads one blank-line-terminated action from the server side.
func readAction(t *testing.T, r *bufio.Reader) map[string]string {
	t.Helper()
	fields := map[string]string{}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Errorf("server read: %v", err)
			return fields
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return fields
		}
		if k, v, ok := strings.Cut(line, ": "); ok {
			fields[k] = v
		}
	}
}

func TestConnLoginAndResponseRouting(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer server.Close()
		r := bufio.NewReader(server)

		server.Write([]byte("Asterisk Call Manager/7.0.3\r\n"))
		login := readAction(t, r)
		if login["Action"] != "Login" || login["Username"] != "crm" || login["Secret"] != "s3cret" {
			t.Errorf("unexpected login action: %v", login)
		}
		server.Write([]byte("Response: Success\r\nMessage: Authentication accepted\r\n\r\n"))

		getvar := readAction(t, r)
		if getvar["Action"] != "GetVar" || getvar["Channel"] != "SIP/trunk-00000001" {
			t.Errorf("unexpected getvar action: %v", getvar)
		}
		server.Write([]byte("Event: Newchannel\r\nChannel: SIP/trunk-00000002\r\n\r\n"))
		server.Write([]byte("Response: Success\r\nActionID: " + getvar["ActionID"] + "\r\nVariable: RECORDED_FILE\r\nValue: /var/spool/asterisk/monitor/a.wav\r\n\r\n"))
	}()

	conn := ami.NewConn(client)
	banner, err := conn.ReadBanner()
	if err != nil {
		t.Fatalf("banner: %v", err)
	}
	if banner != "Asterisk Call Manager/7.0.3" {
		t.Errorf("unexpected banner %q", banner)
	}
	if err := conn.Login("crm", "s3cret"); err != nil {
		t.Fatalf("login: %v", err)
	}

	reply, cancel := conn.Await("rec-1")
	defer cancel()
	if conn.Pending() != 1 {
		t.Fatalf("expected 1 pending waiter, got %d", conn.Pending())
	}
	if err := conn.Send(ami.GetVar("rec-1", "SIP/trunk-00000001", "RECORDED_FILE")); err != nil {
		t.Fatalf("send: %v", err)
	}

	evt, ok := conn.Next()
	if !ok || evt.Type() != "Newchannel" {
		t.Fatalf("expected Newchannel, got %+v ok=%v", evt, ok)
	}
	// The GetVar response is routed to the waiter, not returned.
	if _, ok := conn.Next(); ok {
		t.Fatal("expected EOF after routed response")
	}

	select {
	case resp := <-reply:
		if resp.Get("Value") != "/var/spool/asterisk/monitor/a.wav" {
			t.Errorf("unexpected value %q", resp.Get("Value"))
		}
	case <-time.After(time.Second):
		t.Fatal("response not delivered")
	}
	if conn.Pending() != 0 {
		t.Errorf("expected waiter removed after delivery, got %d", conn.Pending())
	}
	<-done
}

func TestConnLoginRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	go func() {
		defer server.Close()
		r := bufio.NewReader(server)
		readAction(t, r)
		server.Write([]byte("Response: Error\r\nMessage: Authentication failed\r\n\r\n"))
	}()

	conn := ami.NewConn(client)
	err := conn.Login("crm", "wrong")
	if err == nil || !strings.Contains(err.Error(), "Authentication failed") {
		t.Fatalf("expected authentication failure, got %v", err)
	}
}

func TestConnAwaitCancelRemovesWaiter(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := ami.NewConn(client)

	_, cancel := conn.Await("x")
	cancel()
	cancel()
	if conn.Pending() != 0 {
		t.Errorf("expected no waiters, got %d", conn.Pending())
	}
}

func TestConnSendAfterClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := ami.NewConn(client)
	conn.Close()

	if err := conn.Send(ami.Login("a", "b")); !errors.Is(err, ami.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
