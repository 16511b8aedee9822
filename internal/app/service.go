package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"sensoralert/internal/api"
	"sensoralert/internal/clock"
	"sensoralert/internal/config"
	"sensoralert/internal/datasource"
	"sensoralert/internal/debounce"
	"sensoralert/internal/engine"
	"sensoralert/internal/ingest"
	"sensoralert/internal/ledger"
	"sensoralert/internal/lifecycle"
	"sensoralert/internal/logging"
	"sensoralert/internal/metrics"
	"sensoralert/internal/notify"
	"sensoralert/internal/notifyqueue"
	"sensoralert/internal/state"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)

const setupTimeout = 15 * time.Second

// closer is one named runtime resource released on shutdown.
type closer struct {
	name  string
	close func() error
}

// Service composes runtime dependencies and process lifecycle.
// Params: config snapshot and shared runtime components.
// Returns: runnable alert engine service.
type Service struct {
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func()
	clock      clock.Clock
	metrics    *metrics.Collector
	source     datasource.DataSource
	store      state.Store
	scheduler  state.Scheduler
	ledger     ledger.Ledger
	lifecycle  *lifecycle.Manager
	dispatcher *notify.Dispatcher
	pipeline   *Pipeline
	sweeper    *lifecycle.Sweeper
	inbox      *notify.MemoryInbox
	httpSrv    *http.Server
	natsSub    interface{ Close() error }
	mqttSub    interface{ Close() error }
	notifyQ    interface{ Close() error }
	notifyPub  notifyqueue.Producer
	closers    []closer
	readyFlag  atomic.Bool
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	return newService(cfg, clk, logger, closeLog)
}

func newService(cfg config.Config, clk clock.Clock, logger *slog.Logger, closeLog func()) (*Service, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clk,
		metrics:  metrics.New(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"datasource", s.buildDataSource},
		{"state", s.buildState},
		{"ledger", s.buildLedger},
		{"dispatcher", s.buildDispatcher},
		{"pipeline", s.buildPipeline},
		{"http server", s.buildHTTPServer},
		{"nats ingest", s.buildNATSSubscriber},
		{"mqtt ingest", s.buildMQTTSubscriber},
	}
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			s.cleanupInitResources()
			return nil, fmt.Errorf("build %s: %w", step.name, err)
		}
	}
	return s, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	if err := s.scheduler.Start(s.pipeline.Recheck); err != nil {
		_ = s.shutdown()
		return fmt.Errorf("start recheck scheduler: %w", err)
	}
	s.sweeper.Start()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.readyFlag.Store(true)
	s.logger.Info("service started", "mode", s.cfg.Service.Mode, "datasource", s.cfg.DataSource.Kind, "ledger", s.cfg.Ledger.Driver)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(name string, err error) {
		if err == nil {
			return
		}
		s.logger.Error(name+" close failed", "error", err.Error())
		if firstErr == nil {
			firstErr = fmt.Errorf("%s close: %w", name, err)
		}
	}

	if s.httpSrv != nil {
		markErr("http server", s.httpSrv.Shutdown(ctx))
	}
	if s.natsSub != nil {
		markErr("nats subscriber", s.natsSub.Close())
	}
	if s.mqttSub != nil {
		markErr("mqtt subscriber", s.mqttSub.Close())
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	if s.notifyQ != nil {
		markErr("dispatch queue worker", s.notifyQ.Close())
	}
	if s.notifyPub != nil {
		markErr("dispatch queue producer", s.notifyPub.Close())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		markErr(s.closers[i].name, s.closers[i].close())
	}
	s.closers = nil
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.mqttSub != nil {
		_ = s.mqttSub.Close()
		s.mqttSub = nil
	}
	if s.notifyQ != nil {
		_ = s.notifyQ.Close()
		s.notifyQ = nil
	}
	if s.notifyPub != nil {
		_ = s.notifyPub.Close()
		s.notifyPub = nil
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i].close()
	}
	s.closers = nil
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

func (s *Service) track(name string, fn func() error) {
	s.closers = append(s.closers, closer{name: name, close: fn})
}

// buildDataSource opens the committed-configuration read side.
func (s *Service) buildDataSource(ctx context.Context) error {
	cfg := s.cfg.DataSource
	switch cfg.Kind {
	case config.DataSourceMemory:
		fixture, err := datasource.LoadFixture(cfg.FixturePath)
		if err != nil {
			return err
		}
		s.source = datasource.NewMemory(fixture)
	case config.DataSourcePostgres:
		source, err := datasource.OpenSQL(ctx, cfg.Driver, cfg.DSN)
		if err != nil {
			return err
		}
		s.source = source
	case config.DataSourceHTTP:
		source, err := datasource.NewHTTP(datasource.HTTPOptions{
			BaseURL: cfg.BaseURL,
			Token:   cfg.Token,
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		})
		if err != nil {
			return err
		}
		s.source = source
	default:
		return fmt.Errorf("unsupported datasource kind %q", cfg.Kind)
	}
	s.track("datasource", s.source.Close)
	return nil
}

// buildState creates alert store, recheck scheduler, and lifecycle manager.
func (s *Service) buildState(_ context.Context) error {
	if isSingleMode(s.cfg) {
		s.store = state.NewMemoryStore()
		s.scheduler = state.NewMemoryScheduler(s.clock)
	} else {
		stateCfg := config.DeriveStateNATSConfig(s.cfg)
		store, err := state.NewNATSStore(stateCfg)
		if err != nil {
			return err
		}
		s.store = store
		scheduler, err := state.NewNATSScheduler(stateCfg, s.clock.Now)
		if err != nil {
			_ = store.Close()
			return err
		}
		s.scheduler = scheduler
	}
	s.track("alert store", s.store.Close)
	s.track("recheck scheduler", s.scheduler.Close)

	s.lifecycle = lifecycle.NewManager(s.store, s.scheduler, s.source, lifecycle.Options{
		Debounce:     s.cfg.Lifecycle.Debounce(),
		Clock:        s.clock,
		Logger:       s.logger,
		OnTransition: s.metrics.ObserveTransition,
	})
	sweeper, err := lifecycle.NewSweeper(s.cfg.Recheck.SweepCron, s.lifecycle, s.handleRecheck, s.logger)
	if err != nil {
		return err
	}
	s.sweeper = sweeper
	return nil
}

// handleRecheck forwards sweep outcomes once the pipeline exists.
func (s *Service) handleRecheck(ctx context.Context, outcome lifecycle.Outcome) {
	if s.pipeline != nil {
		s.pipeline.HandleRecheck(ctx, outcome)
	}
}

// buildLedger opens execution ledger backend.
func (s *Service) buildLedger(ctx context.Context) error {
	cfg := s.cfg.Ledger
	switch cfg.Driver {
	case config.LedgerMemory:
		s.ledger = ledger.NewMemory()
	case config.LedgerPostgres, config.LedgerPGX:
		sqlLedger, err := ledger.OpenSQL(ctx, cfg.Driver, cfg.DSN, cfg.Migrate)
		if err != nil {
			return err
		}
		s.ledger = sqlLedger
	default:
		return fmt.Errorf("unsupported ledger driver %q", cfg.Driver)
	}
	s.track("ledger", s.ledger.Close)
	return nil
}

// buildDispatcher wires debounce gate, channel senders, and dispatcher pools.
func (s *Service) buildDispatcher(ctx context.Context) error {
	gate, err := s.buildGate(ctx)
	if err != nil {
		return err
	}
	senders, err := s.buildSenders()
	if err != nil {
		return err
	}
	dispatcher, err := notify.NewDispatcher(s.cfg.Dispatch, notify.Deps{
		Source:  s.source,
		Gate:    gate,
		Ledger:  s.ledger,
		Senders: senders,
	}, notify.Options{
		Debounce: s.lifecycle.Debounce(),
		Status:   s.lifecycle.Status,
		Observer: s.metrics,
		Clock:    s.clock,
		Logger:   s.logger,
	})
	if err != nil {
		return err
	}
	s.dispatcher = dispatcher
	s.track("dispatcher", func() error {
		dispatcher.Close()
		return nil
	})
	return nil
}

// buildGate selects in-process or Redis-backed debounce gate.
func (s *Service) buildGate(ctx context.Context) (debounce.Gate, error) {
	if s.cfg.Lifecycle.Gate != config.GateRedis {
		return debounce.NewMemoryGate(s.clock), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.Redis.Addr,
		Password: s.cfg.Redis.Password,
		DB:       s.cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", s.cfg.Redis.Addr, err)
	}
	s.track("redis", client.Close)
	return debounce.NewRedisGate(client, s.cfg.Redis.KeyPrefix), nil
}

// buildSenders creates adapters for configured channels.
// Params: none.
// Returns: sender list; channels without transport settings are left out.
func (s *Service) buildSenders() ([]notify.ChannelSender, error) {
	cfg := s.cfg.Dispatch
	senders := []notify.ChannelSender{notify.NewWebhookSender(nil)}

	if cfg.Email.Host != "" {
		senders = append(senders, notify.NewEmailSender(cfg.Email))
	}
	if cfg.SMS.GatewayURL != "" {
		senders = append(senders, notify.NewSMSSender(cfg.SMS))
	}

	switch {
	case cfg.Push.Provider == config.PushProviderTelegram && cfg.Push.BotToken != "":
		senders = append(senders, notify.NewTelegramPushSender(cfg.Push))
	case cfg.Push.Provider == config.PushProviderMQTT && cfg.Push.Broker != "":
		publisher, err := notify.ConnectPaho(cfg.Push.Broker, cfg.Push.ClientID, "", "")
		if err != nil {
			return nil, err
		}
		s.track("mqtt push publisher", func() error {
			publisher.Close()
			return nil
		})
		senders = append(senders, notify.NewMQTTPushSender(publisher, cfg.Push))
	}

	if isSingleMode(s.cfg) {
		s.inbox = notify.NewMemoryInbox()
		senders = append(senders, s.inbox)
	} else {
		inApp, err := notify.NewNATSInAppSender(s.cfg.Ingest.NATS.URL, cfg.InApp.SubjectPrefix)
		if err != nil {
			return nil, fmt.Errorf("connect in-app publisher: %w", err)
		}
		s.track("in-app publisher", func() error {
			inApp.Close()
			return nil
		})
		senders = append(senders, inApp)
	}
	return senders, nil
}

// buildPipeline wires engine, lifecycle, dispatch path, and async queue.
func (s *Service) buildPipeline(_ context.Context) error {
	location, err := s.cfg.Service.Location()
	if err != nil {
		return err
	}
	scopeMode, err := engine.ParseScopeMode(s.cfg.Lifecycle.ScopeMode)
	if err != nil {
		return err
	}
	eng := engine.New(s.source, engine.Options{Location: location, ScopeMode: scopeMode, Logger: s.logger})

	if !isSingleMode(s.cfg) && s.cfg.Dispatch.Queue.Enabled {
		producer, err := notifyqueue.NewNATSProducer(s.cfg.Dispatch.Queue)
		if err != nil {
			return err
		}
		s.notifyPub = producer
	}
	s.pipeline = NewPipeline(eng, s.lifecycle, s.source, s.dispatcher, PipelineOptions{
		Producer: s.notifyPub,
		Observer: s.metrics,
		Clock:    s.clock,
		Logger:   s.logger,
	})

	if s.notifyPub != nil {
		worker, err := notifyqueue.NewNATSWorker(s.cfg.Dispatch.Queue, s.logger, s.pipeline.ProcessJob)
		if err != nil {
			return err
		}
		s.notifyQ = worker
	}
	return nil
}

// buildHTTPServer wires router with ingest, API, metrics, and health endpoints.
func (s *Service) buildHTTPServer(_ context.Context) error {
	httpCfg := s.cfg.Ingest.HTTP
	router := chi.NewRouter()
	router.Get(httpCfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	router.Get(httpCfg.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})

	if httpCfg.Enabled {
		handler := ingest.NewHTTPHandler(s.pipeline, httpCfg.MaxBodyBytes)
		router.Handle(httpCfg.IngestPath, handler)
		if httpCfg.BatchPath != httpCfg.IngestPath {
			router.Handle(httpCfg.BatchPath, handler)
		}
	}
	if s.cfg.API.Enabled {
		api.New(s.lifecycle, s.ledger, s.logger).RegisterRoutes(router)
	}
	if s.cfg.Metrics.Enabled {
		router.Handle(s.cfg.Metrics.Path, s.metrics.Handler())
	}

	s.httpSrv = &http.Server{
		Addr:              httpCfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts NATS ingest when enabled.
func (s *Service) buildNATSSubscriber(_ context.Context) error {
	if isSingleMode(s.cfg) || !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.pipeline, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildMQTTSubscriber starts MQTT ingest when enabled.
func (s *Service) buildMQTTSubscriber(_ context.Context) error {
	if !s.cfg.Ingest.MQTT.Enabled {
		return nil
	}
	subscriber, err := ingest.NewMQTTSubscriber(s.cfg.Ingest.MQTT, s.pipeline, s.logger)
	if err != nil {
		return err
	}
	s.mqttSub = subscriber
	return nil
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
