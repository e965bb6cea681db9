package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/asterisk-callcenter/internal/ami"
	"github.com/sweeney/asterisk-callcenter/internal/config"
	"github.com/sweeney/asterisk-callcenter/internal/httpapi"
	"github.com/sweeney/asterisk-callcenter/internal/observability"
	"github.com/sweeney/asterisk-callcenter/internal/projector"
	"github.com/sweeney/asterisk-callcenter/internal/publisher"
	"github.com/sweeney/asterisk-callcenter/internal/routing"
	"github.com/sweeney/asterisk-callcenter/internal/store"
	"github.com/sweeney/asterisk-callcenter/internal/supervisor"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "/etc/pbx-bridge/pbx-bridge.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg.Log)
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

	a, err := newApp(ctx, cfg, logger, appDeps{})
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}

	if err := a.run(ctx); err != nil {
		logger.Error("bridge stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// appDeps overrides the outside world in tests.
type appDeps struct {
	Dial       supervisor.DialFunc
	Publishers []publisher.Publisher
}

type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	store     store.Store
	storeMode string
	pub       publisher.Publisher
	hub       *publisher.Hub
	sup       *supervisor.Supervisor
	proj      *projector.Projector
	coord     *routing.Coordinator
	api       *httpapi.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, deps appDeps) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.NewMetrics("pbx_bridge"),
	}

	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		a.store, a.storeMode = pg, "postgres"
	} else {
		a.store, a.storeMode = store.NewMemoryStore(), "memory"
	}

	a.hub = publisher.NewHub(publisher.HubOptions{
		AllowAnyOrigin: cfg.HTTP.AllowAnyOrigin,
		Logger:         logger.With("component", "hub"),
		Metrics:        a.metrics,
	})
	pubs := publisher.Multi{a.hub}
	if cfg.MQTT.Enabled {
		mq, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      byte(cfg.MQTT.QoS),
			Logger:   logger.With("component", "mqtt"),
		})
		if err != nil {
			a.closeStore()
			return nil, fmt.Errorf("connecting to MQTT: %w", err)
		}
		pubs = append(pubs, mq)
	}
	pubs = append(pubs, deps.Publishers...)
	a.pub = pubs
	bc := publisher.NewBroadcaster(a.pub, cfg.MQTT.TopicPrefix, logger.With("component", "broadcast"), a.metrics)

	dial := deps.Dial
	if dial == nil {
		dial = supervisor.AMIDialer(ami.Options{
			Addr:           cfg.AMI.Addr(),
			Username:       cfg.AMI.Username,
			Secret:         cfg.AMI.Secret,
			DialTimeout:    cfg.AMI.ConnectTimeout,
			CommandTimeout: cfg.AMI.CommandTimeout,
		})
	}
	a.sup = supervisor.New(dial,
		supervisor.WithLogger(logger.With("component", "supervisor")),
		supervisor.WithMetrics(a.metrics),
		supervisor.WithConnectTimeout(cfg.AMI.ConnectTimeout),
		supervisor.WithBackoff(cfg.AMI.ReconnectBase, cfg.AMI.ReconnectMax),
	)

	a.proj = projector.New(a.store, a.sup, bc, projector.Options{
		RecordingDir: cfg.RecordingDir,
		Logger:       logger.With("component", "projector"),
		Metrics:      a.metrics,
	})

	a.coord = routing.New(a.store, a.sup, bc, routing.Config{
		TransferContext:  cfg.Routing.TransferContext,
		AIContextPrefix:  cfg.Routing.AIContextPrefix,
		HoldingContext:   cfg.Routing.HoldingContext,
		QueuePrefix:      cfg.Routing.QueuePrefix,
		OriginateContext: cfg.Routing.OriginateContext,
	}, logger.With("component", "routing"), a.metrics)

	a.api = httpapi.New(a.sup, a.coord, a.store, httpapi.Options{
		WS:        a.hub,
		Metrics:   a.metrics,
		Logger:    logger.With("component", "http"),
		StoreMode: a.storeMode,
	})
	return a, nil
}

// run serves until ctx is cancelled, then tears everything down in reverse
// order of startup.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.logger.Info("starting bridge",
		"ami", a.cfg.AMI.Addr(),
		"http", a.cfg.HTTP.Addr,
		"store", a.storeMode,
		"mqtt", a.cfg.MQTT.Enabled,
	)

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http listening", "addr", a.cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	projDone := a.start(ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("graceful http shutdown failed", "err", err)
		_ = srv.Close()
	}
	a.stop(projDone)
	return runErr
}

// start connects to the switch and begins projecting. The returned channel
// closes when the projector has returned.
func (a *app) start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.proj.Run(ctx, a.sup); err != nil {
			a.logger.Error("projector stopped", "err", err)
		}
	}()
	a.sup.Start(ctx)
	return done
}

func (a *app) stop(projDone <-chan struct{}) {
	a.sup.Disconnect()
	<-projDone
	if err := a.pub.Close(); err != nil {
		a.logger.Warn("closing publishers", "err", err)
	}
	a.closeStore()
}

func (a *app) closeStore() {
	if c, ok := a.store.(interface{ Close() }); ok {
		c.Close()
	}
}
