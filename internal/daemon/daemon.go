package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/chatguard/internal/config"
	"github.com/harun/chatguard/internal/logger"
	"github.com/harun/chatguard/internal/observability"
	"github.com/harun/chatguard/internal/telegram"
	"github.com/harun/chatguard/internal/tracing"
	"github.com/harun/chatguard/pkg/commandqueue"
	"github.com/harun/chatguard/pkg/dialog"
	"github.com/harun/chatguard/pkg/events"
	"github.com/harun/chatguard/pkg/moderation"
	"github.com/harun/chatguard/pkg/store"
	"github.com/redis/go-redis/v9"
)

// Platform is the chat platform surface the daemon drives.
type Platform interface {
	moderation.Platform
	moderation.ChatDirectory
	SendMessageWithReply(ctx context.Context, chatID int64, text string, replyToMessageID int) error
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithPlatform replaces the Telegram bot. Updates must then be fed to the router
// by the caller.
func WithPlatform(p Platform) Option {
	return func(d *Daemon) {
		d.platform = p
	}
}

// Daemon represents the chatguard daemon service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	queue      *commandqueue.CommandQueue
	store      *store.Store
	moderation *moderation.Service
	dialog     *dialog.Machine
	sessions   dialog.SessionStore
	sweeper    *dialog.Sweeper

	// Optional backends
	redisClient *redis.Client
	publisher   *events.Publisher

	// Telegram
	platform    Platform
	telegramBot *telegram.Bot
	telegramCmd *telegram.Commands

	metricsServer *http.Server

	// Internal
	eventLoop *EventLoop
	router    *Router
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := tracing.InitOpenTelemetry("chatguard-daemon"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initializeCoreModules(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.router = NewRouter(d)
	d.lifecycle = NewLifecycleManager(d)

	if d.telegramBot != nil {
		d.bindTelegram()
	}

	return d, nil
}

// abort releases whatever New managed to open.
func (d *Daemon) abort() {
	d.cancel()
	if d.queue != nil {
		_ = d.queue.Close()
	}
	d.closeBackends()
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

func (d *Daemon) dataPath(name string) string {
	return filepath.Join(d.config.DataDir, name)
}

// initializeCoreModules opens persistence, the queue and the session store
func (d *Daemon) initializeCoreModules() error {
	if d.config.DataDir != "" {
		if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	d.queue = commandqueue.New()
	d.logger.Info().Msg("Command queue initialized")

	auditPath := d.config.Logging.AuditFile
	if auditPath == "" {
		auditPath = d.dataPath("audit.log")
	}
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	dbPath := d.config.Storage.Path
	if dbPath == "" {
		dbPath = d.dataPath("chatguard.db")
	}
	st, err := store.New(store.Config{
		DBPath: dbPath,
		Logger: d.logger.Component("store"),
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	d.store = st
	d.logger.Info().Str("path", dbPath).Msg("Store initialized")

	if err := d.initializeSessions(); err != nil {
		return err
	}

	if d.config.Events.Enabled {
		cfg := events.DefaultConfig()
		cfg.URL = d.config.Events.NATSURL
		if d.config.Events.Subject != "" {
			cfg.Subject = d.config.Events.Subject
		}
		publisher, err := events.Connect(cfg, d.logger.GetZerolog())
		if err != nil {
			d.logger.Warn().Err(err).Msg("Failed to connect to NATS, violation events disabled")
		} else {
			d.publisher = publisher
		}
	}

	return nil
}

// initializeSessions selects the dialog session backend
func (d *Daemon) initializeSessions() error {
	idle := d.config.Dialog.IdleTimeout()

	switch d.config.Dialog.Backend {
	case config.DialogBackendRedis:
		client, err := dialog.DialRedis(d.ctx, d.config.Redis.Addr, d.config.Redis.Password, d.config.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect dialog backend: %w", err)
		}
		d.redisClient = client
		d.sessions = dialog.NewRedisStore(client, d.config.Redis.KeyPrefix, idle)
		d.logger.Info().Str("addr", d.config.Redis.Addr).Dur("idle_timeout", idle).Msg("Dialog sessions stored in redis")

	default:
		mem := dialog.NewMemoryStore()
		d.sessions = mem
		if idle > 0 {
			sweeper, err := dialog.NewSweeper(mem, idle, d.config.Dialog.SweepSchedule, d.logger.GetZerolog())
			if err != nil {
				return fmt.Errorf("failed to create dialog sweeper: %w", err)
			}
			d.sweeper = sweeper
		}
		d.logger.Info().Dur("idle_timeout", idle).Msg("Dialog sessions stored in memory")
	}

	return nil
}

// initializeServices builds the platform adapter, the moderation pipeline and the dialog
func (d *Daemon) initializeServices() error {
	if d.platform == nil {
		bot, err := telegram.New(&d.config.Telegram, d.logger)
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		d.telegramBot = bot
		d.telegramCmd = telegram.NewCommands(bot)
		d.platform = bot
	}

	var opts []moderation.ServiceOption
	if d.publisher != nil {
		opts = append(opts, moderation.WithPublisher(d.publisher))
	}
	d.moderation = moderation.NewService(d.store, d.platform, d.logger.GetZerolog(), opts...)
	d.dialog = dialog.NewMachine(d.store, d.platform, d.sessions, d.logger.GetZerolog())
	d.logger.Info().Msg("Moderation pipeline initialized")

	if d.config.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		mux.HandleFunc("/healthz", d.handleHealth)
		d.metricsServer = &http.Server{
			Addr:              d.config.Metrics.Addr(),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return nil
}

// bindTelegram wires bot updates into the router
func (d *Daemon) bindTelegram() {
	d.router.RegisterCommands(d.telegramCmd)
	d.telegramBot.SetCommandHandler(d.telegramCmd)
	logger := d.logger.Component("router")
	logger.Debug().Strs("commands", d.router.CommandNames()).Msg("Commands bound")

	handler := telegram.NewHandler(d.telegramBot)
	handler.SetOnMessage(d.router.RouteMessage)
	d.telegramBot.SetMessageHandler(handler)
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := d.store.Ping(r.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Start starts the daemon service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting chatguard daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.sweeper != nil {
		if err := d.sweeper.Start(); err != nil {
			return fmt.Errorf("failed to start dialog sweeper: %w", err)
		}
	}

	if d.metricsServer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			logger.Info().Str("addr", d.metricsServer.Addr).Msg("Metrics server listening")
			if err := d.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	if d.telegramBot != nil {
		if err := d.telegramCmd.SetCommands(); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish bot commands")
		}
		if err := d.telegramBot.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start telegram bot: %w", err)
		}
		logger.Info().Str("username", d.telegramBot.Username()).Msg("Telegram bot started")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping chatguard daemon")

	// Stop intake first so nothing new reaches the queue
	if d.telegramBot != nil {
		if err := d.telegramBot.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop telegram bot")
		}
	}

	d.eventLoop.HandleShutdown()

	if d.queue != nil {
		if err := d.queue.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close command queue")
		}
	}
	logger.Info().Msg("Command queue stopped")

	if d.sweeper != nil {
		d.sweeper.Stop()
	}

	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop metrics server")
		}
		cancel()
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.closeBackends()

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// closeBackends closes the store and the optional connections
func (d *Daemon) closeBackends() {
	if d.publisher != nil {
		if err := d.publisher.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close event publisher")
		}
		d.publisher = nil
	}
	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close redis client")
		}
		d.redisClient = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Failed to close store")
		}
		d.store = nil
	}
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

