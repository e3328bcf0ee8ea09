package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sweeney/asterisk-crm/internal/ami"
	"github.com/sweeney/asterisk-crm/internal/config"
	"github.com/sweeney/asterisk-crm/internal/lifecycle"
	"github.com/sweeney/asterisk-crm/internal/recording"
)

const dialTimeout = 10 * time.Second

var errSessionClosed = errors.New("AMI connection closed")

// reconnectCounter is told about every session restart.
type reconnectCounter interface {
	AMIReconnect()
}

// bridge keeps an AMI session open and feeds its events to the lifecycle.
type bridge struct {
	ami       config.AMIConfig
	calls     config.CallsConfig
	svc       *lifecycle.Service
	metrics   reconnectCounter
	log       *slog.Logger
	connected atomic.Bool
}

func newBridge(amiCfg config.AMIConfig, calls config.CallsConfig, svc *lifecycle.Service, m reconnectCounter, logger *slog.Logger) *bridge {
	return &bridge{ami: amiCfg, calls: calls, svc: svc, metrics: m, log: logger}
}

// Connected reports whether an authenticated session is live.
func (b *bridge) Connected() bool {
	return b.connected.Load()
}

// Run reconnects until ctx is cancelled. A session that fails waits
// ReconnectErrorDelay, one the server closed waits ReconnectCloseDelay.
func (b *bridge) Run(ctx context.Context) error {
	for {
		err := b.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := b.ami.ReconnectErrorDelay
		if errors.Is(err, errSessionClosed) {
			delay = b.ami.ReconnectCloseDelay
			b.log.Warn("AMI connection closed, reconnecting", "delay", delay)
		} else {
			b.log.Error("AMI session error, reconnecting", "error", err, "delay", delay)
		}
		if b.metrics != nil {
			b.metrics.AMIReconnect()
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *bridge) runSession(ctx context.Context) error {
	addr := b.ami.Addr()
	b.log.Info("connecting to AMI", "addr", addr)

	conn, err := ami.Dial(ctx, addr, dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	banner, err := conn.ReadBanner()
	if err != nil {
		return err
	}
	b.log.Info("AMI banner", "banner", banner)

	if err := conn.Login(b.ami.Username, b.ami.Secret); err != nil {
		return err
	}

	b.svc.UseFetcher(recording.New(conn,
		recording.WithTimeout(b.calls.RecordingTimeout),
		recording.WithVariable(b.calls.RecordingVariable),
		recording.WithLogger(b.log),
	))
	b.connected.Store(true)
	defer b.connected.Store(false)
	b.log.Info("AMI authenticated, processing events")

	for {
		evt, ok := conn.Next()
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			if err := conn.Err(); err != nil {
				return fmt.Errorf("reading AMI: %w", err)
			}
			return errSessionClosed
		}
		b.svc.Handle(ctx, evt)
	}
}
