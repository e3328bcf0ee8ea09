package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/asterisk-crm/internal/config"
	"github.com/sweeney/asterisk-crm/internal/correlator"
	"github.com/sweeney/asterisk-crm/internal/httpapi"
	"github.com/sweeney/asterisk-crm/internal/lifecycle"
	"github.com/sweeney/asterisk-crm/internal/logging"
	"github.com/sweeney/asterisk-crm/internal/metrics"
	"github.com/sweeney/asterisk-crm/internal/notify"
	"github.com/sweeney/asterisk-crm/internal/phone"
	"github.com/sweeney/asterisk-crm/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/asterisk-crm/asterisk-crm.yaml", "Path to config file")
	envPath := flag.String("env", ".env", "Path to an optional .env file")
	flag.Parse()

	if err := config.LoadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	storeOpts := []store.Option{store.WithLogger(logger)}
	if cfg.Lookup.Normalize {
		storeOpts = append(storeOpts, store.WithNormalizer(phone.Normalizer(cfg.Lookup.Region)))
	}
	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, storeOpts...)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()
	logger.Info("database ready", "driver", cfg.Database.Driver)

	hub := notify.NewHub(notify.WithHubLogger(logger))
	engine := correlator.New(
		correlator.WithEvictionDelay(cfg.Calls.EvictionDelay),
		correlator.WithLogger(logger),
	)
	m := metrics.New(metrics.NewCollector(engine, hub, time.Now()))

	fanout, err := newFanout(ctx, cfg, hub, m, logger)
	if err != nil {
		return err
	}
	defer fanout.Close()

	svc := lifecycle.New(engine, st, fanout,
		lifecycle.WithMetrics(m),
		lifecycle.WithPublishTimeout(cfg.Calls.PublishTimeout),
		lifecycle.WithLogger(logger),
	)
	defer svc.Wait()
	hub.UseDesk(lifecycle.NewDesk(svc, st))

	b := newBridge(cfg.AMI, cfg.Calls, svc, m, logger)

	srv := &http.Server{
		Addr: cfg.HTTP.Listen,
		Handler: httpapi.NewServer(httpapi.Deps{
			Database:    st,
			AMIUp:       b.Connected,
			ActiveCalls: engine.ActiveCalls,
			Metrics:     m.Handler(),
			WebSocket:   hub,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return b.Run(gctx)
	})
	g.Go(func() error {
		return svc.RunSweeper(gctx, cfg.Calls.SweepInterval, cfg.Calls.SessionMaxAge)
	})
	return g.Wait()
}

func newFanout(ctx context.Context, cfg *config.Config, hub *notify.Hub, m *metrics.Metrics, logger *slog.Logger) (*notify.Fanout, error) {
	opts := []notify.FanoutOption{
		notify.WithSubscribers(hub),
		notify.WithTopicPrefix(cfg.MQTT.TopicPrefix),
		notify.WithLogger(logger),
		notify.WithObserver(func(ev notify.Event, targeted bool) {
			m.Notification(string(ev), targeted)
		}),
	}

	if cfg.MQTT.Enabled {
		pub, err := notify.NewMQTTPublisher(notify.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			QoS:      1,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to MQTT: %w", err)
		}
		logger.Info("connected to MQTT broker", "broker", cfg.MQTT.Broker)
		opts = append(opts, notify.WithBroker(pub))
	}

	if cfg.Redis.Enabled {
		pub, err := notify.NewRedisPublisher(ctx, notify.RedisOptions{Addr: cfg.Redis.Addr})
		if err != nil {
			return nil, fmt.Errorf("connecting to Redis: %w", err)
		}
		logger.Info("connected to Redis", "addr", cfg.Redis.Addr)
		opts = append(opts, notify.WithPrefixedBroker(pub, cfg.Redis.Prefix))
	}

	return notify.NewFanout(opts...), nil
}
