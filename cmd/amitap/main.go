// Command amitap captures raw AMI traffic to disk, sanitizes captures for
// use as fixtures, and replays captures through the call pipeline.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sweeney/asterisk-crm/internal/ami"
	"github.com/sweeney/asterisk-crm/internal/correlator"
	"github.com/sweeney/asterisk-crm/internal/lifecycle"
	"github.com/sweeney/asterisk-crm/internal/logging"
	"github.com/sweeney/asterisk-crm/internal/notify"
	"github.com/sweeney/asterisk-crm/internal/store"
)

func main() {
	host := flag.String("host", "127.0.0.1", "Asterisk AMI host")
	port := flag.Int("port", 5038, "Asterisk AMI port")
	user := flag.String("user", "admin", "AMI username")
	secret := flag.String("secret", "", "AMI secret")
	outDir := flag.String("outdir", "testdata/captures", "Output directory for captures")
	sanitize := flag.String("sanitize", "", "Sanitize a capture file in-place (keeps .bak)")
	replayPath := flag.String("replay", "", "Replay a capture file and print the notifications it produces")
	dsn := flag.String("db", "file::memory:", "SQLite DSN used by -replay")
	verbose := flag.Bool("v", false, "Log pipeline activity to stderr")
	flag.Parse()

	switch {
	case *sanitize != "":
		if err := sanitizeFile(*sanitize); err != nil {
			fmt.Fprintf(os.Stderr, "sanitize error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("sanitized:", *sanitize)
		return

	case *replayPath != "":
		f, err := os.Open(*replayPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()

		level := "error"
		if *verbose {
			level = "debug"
		}
		logger := logging.NewWriter(os.Stderr, level, "text")
		if err := replay(context.Background(), f, os.Stdout, *dsn, logger); err != nil {
			fmt.Fprintf(os.Stderr, "replay error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "error: -secret is required")
		flag.Usage()
		os.Exit(1)
	}

	if err := capture(*host, *port, *user, *secret, *outDir); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func capture(host string, port int, user, secret, outDir string) error {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	fmt.Printf("connecting to %s...\n", addr)

	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".raw")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	fmt.Printf("writing to %s\n", filename)

	reader := bufio.NewReader(conn)
	banner, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading banner: %w", err)
	}
	f.WriteString(banner)
	fmt.Printf("banner: %s", banner)

	if _, err := conn.Write(ami.Login(user, secret).Bytes()); err != nil {
		return fmt.Errorf("sending login: %w", err)
	}

	// Lines keep their CRLF so captures parse exactly like live traffic.
	fmt.Println("streaming events (ctrl+c to stop)...")
	_, err = io.Copy(f, reader)
	return err
}

var (
	ipPattern       = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	phonePattern    = regexp.MustCompile(`\+?\b\d{10,11}\b`)
	secretPattern   = regexp.MustCompile(`(?i)(Secret:\s*).+`)
	passwordPattern = regexp.MustCompile(`(?i)(Password:\s*).+`)
)

// sanitizeLine redacts credentials, addresses and caller numbers.
func sanitizeLine(line string) string {
	line = secretPattern.ReplaceAllString(line, "${1}REDACTED")
	line = passwordPattern.ReplaceAllString(line, "${1}REDACTED")

	line = ipPattern.ReplaceAllStringFunc(line, func(ip string) string {
		if ip == "127.0.0.1" {
			return ip
		}
		return "10.0.0.1"
	})

	if strings.HasPrefix(line, "CallerID") || strings.HasPrefix(line, "ConnectedLine") {
		line = phonePattern.ReplaceAllString(line, "+71234567890")
	}
	return line
}

func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		lines[i] = sanitizeLine(line)
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}

// printer writes each notification envelope as one JSON line.
type printer struct {
	w io.Writer
}

func (p printer) Publish(_ context.Context, topic string, payload []byte) error {
	line, err := json.Marshal(struct {
		Topic   string          `json:"topic"`
		Payload json.RawMessage `json:"payload"`
	}{topic, payload})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(p.w, "%s\n", line)
	return err
}

func (printer) Close() error { return nil }

// replay runs a capture through the correlation engine and lifecycle
// against a scratch database. Recording lookups are skipped.
func replay(ctx context.Context, r io.Reader, w io.Writer, dsn string, logger *slog.Logger) error {
	st, err := store.Open(ctx, store.DriverSQLite, dsn, store.WithLogger(logger))
	if err != nil {
		return err
	}
	defer st.Close()

	fanout := notify.NewFanout(notify.WithBroker(printer{w: w}), notify.WithLogger(logger))
	engine := correlator.New(correlator.WithLogger(logger))
	svc := lifecycle.New(engine, st, fanout,
		lifecycle.WithLogger(logger),
		lifecycle.WithScheduler(func(time.Duration, func()) {}),
	)

	parser := ami.NewParser(r)
	for {
		evt, ok := parser.Next()
		if !ok {
			break
		}
		svc.Handle(ctx, evt)
	}
	svc.Wait()
	return parser.Err()
}
