// Package daemon wires the portwatch components together and runs them
// until shutdown: the scan scheduler, the change tracker, the update
// publisher with its subscribers, and the status API.
package daemon

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/api/option"

	"github.com/anstrom/portwatch/internal/api"
	apihandlers "github.com/anstrom/portwatch/internal/api/handlers"
	"github.com/anstrom/portwatch/internal/config"
	"github.com/anstrom/portwatch/internal/integrations/logsink"
	"github.com/anstrom/portwatch/internal/integrations/postgres"
	"github.com/anstrom/portwatch/internal/integrations/pubsub"
	"github.com/anstrom/portwatch/internal/integrations/slack"
	"github.com/anstrom/portwatch/internal/logging"
	"github.com/anstrom/portwatch/internal/metrics"
	"github.com/anstrom/portwatch/internal/publisher"
	"github.com/anstrom/portwatch/internal/scanning"
	"github.com/anstrom/portwatch/internal/scheduler"
	"github.com/anstrom/portwatch/internal/watch"
)

const (
	systemMetricsInterval = 15 * time.Second
	integrationTimeout    = 30 * time.Second
)

// Daemon represents the main portwatch process.
type Daemon struct {
	config    *config.Config
	logger    *logging.Logger
	executor  scanning.Executor
	tracker   *watch.Tracker
	publisher *publisher.Publisher
	scheduler *scheduler.Scheduler
	stream    *apihandlers.WebSocketHandler
	apiServer *api.Server
	closers   []io.Closer

	maxCycles   uint64
	subscribers []publisher.Subscriber
	signals     chan os.Signal

	mu        sync.RWMutex
	debugMode bool
}

// Option customizes a daemon.
type Option func(*Daemon)

// WithExecutor replaces the nmap executor.
func WithExecutor(executor scanning.Executor) Option {
	return func(d *Daemon) { d.executor = executor }
}

// WithLogger replaces the logger built from the configuration.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Daemon) { d.logger = logger }
}

// WithMaxCycles makes Run return after n scan cycles.
func WithMaxCycles(n uint64) Option {
	return func(d *Daemon) { d.maxCycles = n }
}

// WithSubscribers registers extra subscribers next to the configured
// integrations.
func WithSubscribers(subs ...publisher.Subscriber) Option {
	return func(d *Daemon) { d.subscribers = append(d.subscribers, subs...) }
}

// New validates cfg and builds every component. Integrations that need a
// network connection are connected here, so a bad endpoint fails startup.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	d := &Daemon{config: cfg}
	for _, opt := range opts {
		opt(d)
	}

	if d.logger == nil {
		logger, err := logging.New(cfg.LoggerConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		d.logger = logger
	}
	d.debugMode = d.logger.Level() == logging.LevelDebug
	if d.executor == nil {
		d.executor = scanning.NewNmapExecutor(d.logger)
	}

	d.tracker = watch.NewTracker(cfg.Scan.HistoryDepth)
	d.publisher = publisher.New(publisher.Config{
		QueueSize:  cfg.Publisher.QueueSize,
		MaxRetries: cfg.Publisher.MaxRetries,
		RetryDelay: cfg.Publisher.RetryDelay,
		Logger:     d.logger,
	})

	if err := d.build(ctx); err != nil {
		d.abort()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build(ctx context.Context) error {
	if err := d.initSubscribers(ctx); err != nil {
		return err
	}

	scanCfg, err := d.config.ToScanConfig()
	if err != nil {
		return err
	}
	scanCfg.MaxCycles = d.maxCycles
	scanCfg.Logger = d.logger

	watcher := watch.NewWatcher(d.tracker, d.publisher, d.logger)
	if d.scheduler, err = scheduler.New(scanCfg, d.executor, watcher); err != nil {
		return err
	}

	if err := d.initAPIServer(); err != nil {
		return fmt.Errorf("failed to initialize API server: %w", err)
	}
	return nil
}

// abort releases whatever New managed to build.
func (d *Daemon) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = d.publisher.Close(ctx)
	if d.stream != nil {
		_ = d.stream.Close()
	}
	d.cleanup()
}

// initSubscribers connects the enabled integrations and subscribes them.
func (d *Daemon) initSubscribers(ctx context.Context) error {
	integrations := d.config.Integrations
	subs := make([]publisher.Subscriber, 0, len(d.subscribers)+4)

	if integrations.Log.Enabled {
		subs = append(subs, logsink.New(d.logger))
	}

	if integrations.Slack.Enabled {
		notifier, err := slack.New(slack.Config{
			WebhookURL:    integrations.Slack.WebhookURL,
			Channel:       integrations.Slack.Channel,
			Username:      integrations.Slack.Username,
			RatePerMinute: integrations.Slack.RatePerMinute,
			Logger:        d.logger,
		})
		if err != nil {
			return fmt.Errorf("slack integration: %w", err)
		}
		subs = append(subs, notifier)
	}

	connectCtx, cancel := context.WithTimeout(ctx, integrationTimeout)
	defer cancel()

	if integrations.PubSub.Enabled {
		var clientOpts []option.ClientOption
		if integrations.PubSub.CredentialsFile != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(integrations.PubSub.CredentialsFile))
		}
		if integrations.PubSub.Endpoint != "" {
			clientOpts = append(clientOpts, option.WithEndpoint(integrations.PubSub.Endpoint))
		}
		topic, err := pubsub.New(connectCtx, pubsub.Config{
			ProjectID:     integrations.PubSub.ProjectID,
			TopicID:       integrations.PubSub.TopicID,
			CreateTopic:   integrations.PubSub.CreateTopic,
			Logger:        d.logger,
			ClientOptions: clientOpts,
		})
		if err != nil {
			return fmt.Errorf("pubsub integration: %w", err)
		}
		d.closers = append(d.closers, topic)
		subs = append(subs, topic)
	}

	if integrations.Postgres.Enabled {
		pgCfg := postgres.DefaultConfig()
		pgCfg.Host = integrations.Postgres.Host
		pgCfg.Port = integrations.Postgres.Port
		pgCfg.Database = integrations.Postgres.Database
		pgCfg.Username = integrations.Postgres.Username
		pgCfg.Password = integrations.Postgres.Password
		if integrations.Postgres.SSLMode != "" {
			pgCfg.SSLMode = integrations.Postgres.SSLMode
		}
		if integrations.Postgres.MaxOpenConns > 0 {
			pgCfg.MaxOpenConns = integrations.Postgres.MaxOpenConns
		}

		db, err := postgres.Connect(connectCtx, pgCfg)
		if err != nil {
			return fmt.Errorf("postgres integration: %w", err)
		}
		sink := postgres.NewSink(db, d.logger)
		d.closers = append(d.closers, sink)
		if err := sink.EnsureSchema(connectCtx); err != nil {
			return fmt.Errorf("postgres integration: %w", err)
		}
		subs = append(subs, sink)
	}

	subs = append(subs, d.subscribers...)
	for _, sub := range subs {
		if _, err := d.publisher.Subscribe(sub); err != nil {
			return err
		}
		d.logger.Info("Subscriber registered", "subscriber", sub.Name())
	}
	if len(subs) == 0 {
		d.logger.Warn("No update subscribers configured, changes will only be tracked")
	}
	return nil
}

// initAPIServer builds the status API and its update stream when enabled.
func (d *Daemon) initAPIServer() error {
	if !d.config.API.Enabled {
		return nil
	}

	d.stream = apihandlers.NewWebSocketHandler(d.tracker, d.logger.Logger)
	if _, err := d.publisher.Subscribe(d.stream); err != nil {
		return err
	}

	apiCfg := api.DefaultConfig()
	apiCfg.ListenAddr = d.config.API.ListenAddr
	apiCfg.Port = d.config.API.Port
	if d.config.API.ReadTimeout > 0 {
		apiCfg.ReadTimeout = d.config.API.ReadTimeout
	}
	if d.config.API.WriteTimeout > 0 {
		apiCfg.WriteTimeout = d.config.API.WriteTimeout
	}
	apiCfg.EnableCORS = d.config.API.CORS.Enabled
	if len(d.config.API.CORS.AllowedOrigins) > 0 {
		apiCfg.CORSOrigins = d.config.API.CORS.AllowedOrigins
	}
	apiCfg.RateLimitEnabled = d.config.API.RateLimit.Enabled
	apiCfg.RateLimitPerSecond = d.config.API.RateLimit.RequestsPerSecond
	apiCfg.RateLimitBurst = d.config.API.RateLimit.Burst
	apiCfg.TrustProxyHeaders = d.config.API.TrustProxyHeaders

	server, err := api.New(apiCfg, api.Dependencies{
		Hosts:         d.tracker,
		Scheduler:     d.scheduler,
		Subscribers:   d.publisher,
		Stream:        d.stream,
		CycleInterval: d.config.Scan.CycleInterval,
		Logger:        d.logger,
	})
	if err != nil {
		return err
	}
	d.apiServer = server
	return nil
}

// Run starts scanning and serving, and blocks until ctx is cancelled, a
// termination signal arrives, the scheduler stops on its own or the API
// server fails. It then shuts everything down in dependency order.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.InfoDaemon("Starting portwatch",
		"hosts", len(d.config.Scan.Hosts),
		"mode", d.config.Scan.Mode,
		"api", d.config.API.Enabled)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.signals = make(chan os.Signal, 1)
	signal.Notify(d.signals, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(d.signals)

	go metrics.GetGlobalMetrics().StartPeriodicUpdates(runCtx, systemMetricsInterval)

	apiCtx, stopAPI := context.WithCancel(context.Background())
	defer stopAPI()
	apiErr := make(chan error, 1)
	if d.apiServer != nil {
		go func() { apiErr <- d.apiServer.Start(apiCtx) }()
	}

	if err := d.scheduler.Start(); err != nil {
		stopAPI()
		d.shutdown(nil)
		return err
	}

	var runErr error
loop:
	for {
		select {
		case <-runCtx.Done():
			d.logger.InfoDaemon("Shutdown requested")
			break loop
		case sig := <-d.signals:
			if d.handleSignal(sig) {
				break loop
			}
		case <-d.scheduler.Done():
			d.logger.InfoDaemon("Scheduler finished")
			break loop
		case err := <-apiErr:
			if err != nil {
				d.logger.ErrorDaemon("API server failed", err)
				runErr = err
			}
			apiErr = nil
			break loop
		}
	}

	stopAPI()
	d.shutdown(apiErr)
	return runErr
}

// handleSignal reacts to a signal and reports whether it requests
// shutdown.
func (d *Daemon) handleSignal(sig os.Signal) bool {
	d.logger.InfoDaemon("Received signal", "signal", sig.String())
	switch sig {
	case syscall.SIGUSR1:
		d.dumpStatus()
		return false
	case syscall.SIGUSR2:
		d.toggleDebugMode()
		return false
	default:
		return true
	}
}

// shutdown stops the scheduler first so no new updates are produced, then
// drains the publisher, then closes the stream, the API and the
// integrations.
func (d *Daemon) shutdown(apiErr <-chan error) {
	d.scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), d.config.Publisher.ShutdownTimeout)
	defer cancel()
	if err := d.publisher.Close(ctx); err != nil {
		d.logger.ErrorDaemon("Pending updates were not delivered", err)
	}

	if d.stream != nil {
		_ = d.stream.Close()
	}
	if apiErr != nil && d.apiServer != nil {
		if err := <-apiErr; err != nil {
			d.logger.ErrorDaemon("API server shutdown error", err)
		}
	}

	d.cleanup()
	d.logger.InfoDaemon("Portwatch stopped")
}

// cleanup releases integration resources.
func (d *Daemon) cleanup() {
	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			d.logger.ErrorDaemon("Failed to close integration", err)
		}
	}
	d.closers = nil
}

// dumpStatus logs the tracked hosts, scheduler progress and subscriber
// counters.
func (d *Daemon) dumpStatus() {
	stats := d.scheduler.Stats()
	up, down := d.tracker.Counts()
	d.logger.InfoDaemon("Status",
		"running", stats.Running,
		"cycles", stats.Cycles,
		"active_scans", stats.ActiveScans,
		"pending_scans", stats.PendingScans,
		"scan_failures", stats.ScanFailures,
		"hosts_up", up,
		"hosts_down", down,
		"debug", d.IsDebugMode())

	for _, h := range d.tracker.Status() {
		d.logger.InfoDaemon("Host status",
			"host", h.Host,
			"reachable", h.Reachable,
			"ports", len(h.Ports),
			"last_cycle", h.LastCycle,
			"last_update", h.LastUpdate)
	}
	for _, s := range d.publisher.Stats() {
		d.logger.InfoDaemon("Subscriber status",
			"subscriber", s.Name,
			"queued", s.Queued,
			"delivered", s.Delivered,
			"failed", s.Failed,
			"dropped", s.Dropped)
	}
}

// toggleDebugMode switches the log level between debug and the
// configured level.
func (d *Daemon) toggleDebugMode() {
	d.mu.Lock()
	d.debugMode = !d.debugMode
	enabled := d.debugMode
	d.mu.Unlock()

	if enabled {
		d.logger.SetLevel(logging.LevelDebug)
	} else {
		level := d.logger.Config().Level
		if level == logging.LevelDebug {
			level = logging.LevelInfo
		}
		d.logger.SetLevel(level)
	}
	d.logger.InfoDaemon("Debug mode toggled", "enabled", enabled)
}

// IsDebugMode reports whether debug logging is active.
func (d *Daemon) IsDebugMode() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.debugMode
}

// Tracker returns the host tracker.
func (d *Daemon) Tracker() *watch.Tracker {
	return d.tracker
}

// Stats returns scheduler progress.
func (d *Daemon) Stats() scheduler.Stats {
	return d.scheduler.Stats()
}

// APIAddress returns the bound API address, or "" when the API is
// disabled.
func (d *Daemon) APIAddress() string {
	if d.apiServer == nil {
		return ""
	}
	return d.apiServer.GetAddress()
}
