package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/redis/go-redis/v9"

	"podlocator/go-poller/internal/config"
	"podlocator/go-poller/internal/console"
	"podlocator/go-poller/internal/findmy"
	"podlocator/go-poller/internal/metrics"
	"podlocator/go-poller/internal/model"
	"podlocator/go-poller/internal/notify"
	"podlocator/go-poller/internal/poller"
	"podlocator/go-poller/internal/scheduler"
	"podlocator/go-poller/internal/session"
	"podlocator/go-poller/internal/store"
	"podlocator/go-poller/internal/stream"
)

// App wires together the poller services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	stdin  io.Reader
	stdout io.Writer

	store    *store.Store
	client   *findmy.Client
	console  *console.Console
	sessions *session.Manager
	metrics  *metrics.Metrics
	hub      *stream.Hub
	mdns     *zeroconf.Server
}

var errNoAccessories = errors.New("no accessories loaded")

// New constructs a new application instance bound to the process's stdin
// and stdout.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger, stdin: os.Stdin, stdout: os.Stdout}
}

// Login restores the stored session or runs the interactive login, saves
// it and returns.
func (a *App) Login(ctx context.Context) error {
	if err := a.initSession(); err != nil {
		return err
	}
	s, err := a.sessions.RestoreOrAuthenticate(ctx)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	a.logger.Info("session ready", "account", s.Account, "path", a.cfg.SessionPath)
	return nil
}

// RunOnce performs a single polling round and returns.
func (a *App) RunOnce(ctx context.Context) error {
	sched, cleanup, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	round := sched.RunRound(ctx)
	if round.Err != nil {
		return round.Err
	}
	return nil
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	sched, cleanup, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	go a.console.Listen(ctx, sched.Trigger())

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Run(ctx)
	}()

	httpErrCh := make(chan error, 1)
	metricsErrCh := make(chan error, 1)

	var servers []*http.Server
	if a.cfg.HTTPPort > 0 {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
			Handler:           newAPI(a.store, a.streamHandler(), a.logger.With("component", "api")).routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		servers = append(servers, srv)
		go a.serve(srv, "http server", httpErrCh)

		if a.cfg.MDNSEnabled {
			if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
				a.logger.Warn("mDNS advertisement failed", "error", err)
			}
			defer a.stopMDNS()
		}
	}
	if a.cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		servers = append(servers, srv)
		go a.serve(srv, "metrics server", metricsErrCh)
	}

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("server shutdown", "addr", srv.Addr, "error", err)
			}
		}
	}

	select {
	case <-ctx.Done():
		shutdown()
		<-schedDone
		a.logger.Info("poller stopped")
		return nil
	case err := <-httpErrCh:
		shutdown()
		return err
	case err := <-metricsErrCh:
		shutdown()
		return err
	}
}

func (a *App) serve(srv *http.Server, name string, errCh chan<- error) {
	a.logger.Info(name+" started", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s: %w", name, err)
	}
}

func (a *App) initSession() error {
	if a.sessions != nil {
		return nil
	}

	client, err := findmy.New(findmy.Options{
		BaseURL:           a.cfg.GatewayURL,
		AnisetteLibs:      a.cfg.AnisetteLibs,
		RequestsPerMinute: a.cfg.GatewayRateLimit,
		Logger:            a.logger,
	})
	if err != nil {
		return err
	}
	a.client = client
	a.console = console.New(a.stdin, a.stdout, a.logger)
	a.sessions = session.NewManager(session.Config{
		Path:         a.cfg.SessionPath,
		Passphrase:   a.cfg.SessionPassphrase,
		Account:      a.cfg.AccountID,
		PasswordFile: a.cfg.PasswordFile,
	}, client, a.console, a.logger)
	return nil
}

// build opens the store and assembles the scheduler with every configured
// listener. cleanup releases what build opened.
func (a *App) build(ctx context.Context) (*scheduler.Scheduler, func(), error) {
	accessories, err := config.LoadAccessories(a.cfg.AccessoryFiles())
	if err != nil {
		return nil, nil, err
	}
	if len(accessories) == 0 {
		return nil, nil, errNoAccessories
	}
	a.logAccessories(accessories)

	if err := a.initSession(); err != nil {
		return nil, nil, err
	}

	db, err := store.Open(a.cfg.DatabasePath, a.logger)
	if err != nil {
		return nil, nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	a.store = db

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}

	a.metrics = metrics.New()
	a.sessions.OnPersist = a.metrics.ObservePersist
	listeners := []scheduler.Listener{a.metrics}

	trigger := scheduler.NewTrigger()

	if a.cfg.HTTPPort > 0 {
		var rdb *redis.Client
		if a.cfg.RedisAddr != "" {
			rdb = redis.NewClient(&redis.Options{Addr: a.cfg.RedisAddr})
			closers = append(closers, func() { _ = rdb.Close() })
		}
		hub := stream.NewHub(rdb, a.logger)
		closers = append(closers, hub.Close)
		a.hub = hub
		listeners = append(listeners, hub)
	}

	if a.cfg.MQTTBroker != "" {
		bridge, err := notify.Connect(notify.Options{
			Broker:      a.cfg.MQTTBroker,
			TopicPrefix: a.cfg.MQTTTopicPrefix,
			Trigger:     trigger,
			Logger:      a.logger,
		})
		if err != nil {
			a.logger.Warn("mqtt disabled", "error", err)
		} else {
			closers = append(closers, bridge.Close)
			listeners = append(listeners, bridge)
		}
	}

	executor := poller.NewExecutor(a.client, a.sessions, a.logger)
	sched := scheduler.New(scheduler.Config{
		Interval:    a.cfg.PollInterval(),
		Accessories: accessories,
	}, a.sessions, executor, a.store, trigger, a.logger, listeners...)

	return sched, cleanup, nil
}

func (a *App) streamHandler() http.Handler {
	if a.hub == nil {
		return nil
	}
	return a.hub
}

func (a *App) logAccessories(accessories []model.Accessory) {
	for _, acc := range accessories {
		a.logger.Info("tracking accessory", "part", acc.Name, "path", acc.Path)
	}
}
