package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/davidahmann/docflow/internal/access"
	"github.com/davidahmann/docflow/internal/api"
	"github.com/davidahmann/docflow/internal/auth"
	"github.com/davidahmann/docflow/internal/config"
	"github.com/davidahmann/docflow/internal/directory"
	"github.com/davidahmann/docflow/internal/ledger"
	"github.com/davidahmann/docflow/internal/ledger/pgstore"
	"github.com/davidahmann/docflow/internal/ledger/sqlstore"
	"github.com/davidahmann/docflow/internal/logging"
	"github.com/davidahmann/docflow/internal/metrics"
	"github.com/davidahmann/docflow/internal/notify"
	"github.com/davidahmann/docflow/internal/policy"
	"github.com/davidahmann/docflow/internal/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runFn(ctx, os.Args[1:], os.Getenv, listenAndServe, newApp); err != nil {
		fatalf("server error: %v", err)
	}
}

var runFn = run
var fatalf = log.Fatalf

const (
	defaultPollInterval = 5 * time.Second
	shutdownTimeout     = 10 * time.Second
)

// app is a wired gateway: the HTTP server plus the outbox worker that
// delivers notifications in the background.
type app struct {
	server       *http.Server
	worker       *notify.Worker
	pollInterval time.Duration
	log          zerolog.Logger
	closeFn      func() error
}

func (a *app) close() error {
	if a.closeFn == nil {
		return nil
	}
	return a.closeFn()
}

type envFn func(string) string
type listenFn func(*http.Server) error
type appFactory func(ctx context.Context, cfg config.Config, getenv envFn) (*app, error)

func newApp(ctx context.Context, cfg config.Config, getenv envFn) (*app, error) {
	logger := logging.New(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	dir, err := directory.Load(cfg.DirectoryPath)
	if err != nil {
		return nil, fmt.Errorf("load directory: %w", err)
	}

	tiers := policy.DefaultTiers()
	if cfg.PolicyPath != "" {
		tiers, err = policy.LoadTiers(cfg.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("load policy tiers: %w", err)
		}
	}
	pol := policy.NewEngine(dir, tiers.Tiers)
	if cfg.Workflow.MissingApprover != "" {
		pol.MissingApprover = policy.MissingApproverMode(cfg.Workflow.MissingApprover)
	}
	pol.Log = logging.Component(logger, "policy")
	pol.Metrics = m

	acc, err := newEvaluator(cfg.Access)
	if err != nil {
		return nil, err
	}
	acc.Reporter = access.LogReporter{Log: logging.Component(logger, "access")}
	acc.Metrics = m

	store, closeStore, err := openStore(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}

	engine := workflow.New(store, dir, pol, acc)
	engine.Log = logging.Component(logger, "workflow")
	engine.Metrics = m
	engine.Notifier = notify.NewOutbox(store)

	worker := &notify.Worker{
		Store:   store,
		Sink:    newSink(cfg.Notify, logger),
		Log:     logging.Component(logger, "notify"),
		Metrics: m,
	}

	h := &api.Handler{
		Auth:     auth.NewAuthenticatorFromEnv(getenv, cfg.Auth.Tokens),
		Engine:   engine,
		Log:      logging.Component(logger, "api"),
		Metrics:  m,
		Gatherer: reg,
		Idem:     api.NewInMemoryIdemStore(),

		TrustProxy: cfg.Access.TrustProxy,
	}

	poll := cfg.Notify.PollInterval
	if poll == 0 {
		poll = defaultPollInterval
	}

	logger.Info().
		Str("db_driver", driverName(cfg.DB.Driver)).
		Str("policy_hash", tiers.Hash).
		Int("branches", len(dir.Branches())).
		Msg("docflow-gateway wired")

	return &app{
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           api.NewRouter(h),
			ReadHeaderTimeout: 5 * time.Second,
		},
		worker:       worker,
		pollInterval: poll,
		log:          logger,
		closeFn:      closeStore,
	}, nil
}

func newEvaluator(cfg config.AccessConfig) (*access.Evaluator, error) {
	acc := access.NewEvaluator()
	acc.HoursEnabled = cfg.BusinessHours.Enabled
	if cfg.BusinessHours.Enabled {
		start, end, err := cfg.BusinessHours.Window()
		if err != nil {
			return nil, err
		}
		acc.HoursStart = start
		acc.HoursEnd = end
	}
	acc.AllowedIPPrefixes = cfg.AllowedIPPrefixes
	return acc, nil
}

func newSink(cfg config.NotifyConfig, logger zerolog.Logger) notify.Sink {
	if cfg.WebhookURL != "" {
		return notify.WebhookSink{URL: cfg.WebhookURL, Client: &http.Client{Timeout: 10 * time.Second}}
	}
	return notify.LogSink{Log: logging.Component(logger, "notify")}
}

func openStore(ctx context.Context, cfg config.DBConfig) (ledger.Store, func() error, error) {
	switch driverName(cfg.Driver) {
	case "memory":
		return ledger.NewInMemoryStore(), nil, nil
	case "sqlite":
		s, err := sqlstore.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if _, err := ledger.Migrate(ctx, s.DB(), ledger.DriverSQLite); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return s, s.Close, nil
	case "postgres":
		s, err := pgstore.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if _, err := ledger.Migrate(ctx, s.DB(), ledger.DriverPostgres); err != nil {
			_ = s.Close()
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported db driver: %s", cfg.Driver)
	}
}

func driverName(driver string) string {
	if driver == "" {
		return "memory"
	}
	return driver
}

func run(ctx context.Context, args []string, getenv envFn, listen listenFn, factory appFactory) error {
	fs := flag.NewFlagSet("docflow-gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to docflow config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfgFile := *configPath
	if cfgFile == "" {
		cfgFile = getenv("DOCFLOW_CONFIG_PATH")
	}

	var cfg config.Config
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	cfg.ListenAddr = firstNonEmpty(getenv("DOCFLOW_LISTEN_ADDR"), cfg.ListenAddr, ":8080")
	cfg.DirectoryPath = firstNonEmpty(getenv("DOCFLOW_DIRECTORY_PATH"), cfg.DirectoryPath, "configs/directory.yaml")
	cfg.PolicyPath = firstNonEmpty(getenv("DOCFLOW_POLICY_PATH"), cfg.PolicyPath)
	cfg.DB.Driver = firstNonEmpty(getenv("DOCFLOW_DB_DRIVER"), cfg.DB.Driver)
	cfg.DB.DSN = firstNonEmpty(getenv("DOCFLOW_DB_DSN"), cfg.DB.DSN)
	cfg.Log.Level = firstNonEmpty(getenv("DOCFLOW_LOG_LEVEL"), cfg.Log.Level)
	if err := cfg.Validate(); err != nil {
		return err
	}

	a, err := factory(ctx, cfg, getenv)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			a.log.Warn().Err(err).Msg("close store")
		}
	}()

	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	if a.worker != nil {
		go a.worker.Run(workerCtx, a.pollInterval)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- listen(a.server) }()
	a.log.Info().Str("addr", a.server.Addr).Msg("docflow-gateway listening")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		stopWorker()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.log.Info().Msg("docflow-gateway shutting down")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func listenAndServe(server *http.Server) error {
	return server.ListenAndServe()
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
