package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/miro/internal/cfg"
	"github.com/simplesurance/miro/internal/githubclt"
	"github.com/simplesurance/miro/internal/httpapi"
	"github.com/simplesurance/miro/internal/logfields"
	"github.com/simplesurance/miro/internal/provider/github"
	"github.com/simplesurance/miro/internal/store"
	"github.com/simplesurance/miro/internal/store/postgres"
	"github.com/simplesurance/miro/internal/webhook"
)

const appName = "miro"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

const (
	dbConnectTimeout = 2 * time.Minute
)

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught , terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)

	}
}

const readHeaderTimeout = 10 * time.Second

// startServer runs serveFn in a go-routine and registers a goodbye handler
// that shuts the server down on termination.
// proto is used as prefix of log messages and events.
func startServer(proto string, srv *http.Server, serveFn func(*http.Server) error) {
	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating "+proto+" server",
			logfields.Event(proto+"_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := srv.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down "+proto+" server failed",
				logfields.Event(proto+"_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			proto+" server started",
			logfields.Event(proto+"_server_started"),
			zap.String("listenAddr", srv.Addr),
		)

		err := serveFn(srv)
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info(proto+" server terminated", logfields.Event(proto+"_server_terminated"))
			return
		}

		logger.Fatal(
			proto+" server terminated unexpectedly",
			logfields.Event(proto+"_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

func startHTTPServer(listenAddr string, handler http.Handler) {
	startServer(
		"http",
		&http.Server{Addr: listenAddr, Handler: handler, ReadHeaderTimeout: readHeaderTimeout},
		(*http.Server).ListenAndServe,
	)
}

func startHTTPSServer(listenAddr, certFile, keyFile string, handler http.Handler) {
	startServer(
		"https",
		&http.Server{Addr: listenAddr, Handler: handler, ReadHeaderTimeout: readHeaderTimeout},
		func(srv *http.Server) error {
			return srv.ListenAndServeTLS(certFile, keyFile)
		},
	)
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
}

var args arguments

const defConfigFile = "/etc/miro/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the miro configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nMerge GitHub pull requests when they are approved and their status checks succeeded.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration files", err)
	defer file.Close()

	config, err := cfg.Load(file)
	if err != nil {
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)
	}

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else {
		if err := (&logLevel).Set(config.LogLevel); err != nil {
			fmt.Fprintf(os.Stderr, "can not set log level to %q: %s \n", config.LogLevel, err)
			os.Exit(2)
		}
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

// mustInitStore returns the postgres store if a DSN is configured, otherwise
// the in-memory store.
func mustInitStore(config *cfg.Config) store.Store {
	if config.PostgresDSN == "" {
		logger.Info(
			"no database configured, state is kept in memory",
			logfields.Event("store_initialized"),
			zap.String("store", "memory"),
		)

		return store.NewMemory()
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), dbConnectTimeout)
	defer cancelFn()

	db, err := postgres.Connect(ctx, config.PostgresDSN, dbConnectTimeout)
	if err != nil {
		logger.Fatal("could not connect to database", logfields.Event("store_initialization_failed"), zap.Error(err))
	}

	pgStore, err := postgres.New(db)
	if err != nil {
		logger.Fatal("could not initialize postgres store", logfields.Event("store_initialization_failed"), zap.Error(err))
	}

	if err := pgStore.Migrate(ctx); err != nil {
		logger.Fatal("could not initialize database schema", logfields.Event("store_initialization_failed"), zap.Error(err))
	}

	goodbye.Register(func(context.Context, os.Signal) {
		if err := pgStore.Close(); err != nil {
			logger.Warn("closing database connection failed", zap.Error(err))
		}
	})

	logger.Info(
		"connected to database",
		logfields.Event("store_initialized"),
		zap.String("store", "postgres"),
	)

	return pgStore
}

func mustInitEventFilter(config *cfg.Config) []github.Option {
	if config.EventFilterQuery == "" {
		return nil
	}

	filter, err := github.NewFilter(config.EventFilterQuery)
	if err != nil {
		logger.Fatal(
			"could not parse event_filter_query",
			logfields.Event("cfg_invalid"),
			zap.String("event_filter_query", config.EventFilterQuery),
			zap.Error(err),
		)
	}

	return []github.Option{github.WithEventFilter(filter)}
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("https_server_listen_addr", config.HTTPSListenAddr),
		zap.String("github_webhook_endpoint", config.HTTPGithubWebhookEndpoint),
		zap.String("github_webhook_secret", hide(config.GithubWebHookSecret)),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.String("api_key", hide(config.APIKey)),
		zap.String("postgres_dsn", hide(config.PostgresDSN)),
		zap.String("event_filter_query", config.EventFilterQuery),
		zap.Int("cascade_concurrency", config.CascadeConcurrency),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	if config.HTTPListenAddr == "" && config.HTTPSListenAddr == "" {
		fmt.Fprintf(os.Stderr, "https_server_listen_addr or http_server_listen_addr must be defined in the config file, both are unset")
		os.Exit(1)
	}

	if config.GithubAPIToken == "" {
		fmt.Fprintf(os.Stderr, "github_api_token must be defined in the config file or the MIRO_GITHUB_API_TOKEN environment variable\n")
		os.Exit(1)
	}

	st := mustInitStore(config)
	githubClient := githubclt.New(config.GithubAPIToken)

	evHandler := webhook.NewHandler(
		githubClient,
		st,
		webhook.WithCascadeConcurrency(config.CascadeConcurrency),
	)

	gh := github.New(
		evHandler,
		append(
			mustInitEventFilter(config),
			github.WithPayloadSecret(config.GithubWebHookSecret),
		)...,
	)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Post(config.HTTPGithubWebhookEndpoint, gh.HTTPHandler)
	logger.Info(
		"registered github webhook event http endpoint",
		logfields.Event("github_http_handler_registered"),
		zap.String("endpoint", config.HTTPGithubWebhookEndpoint),
	)

	apiOpts := []httpapi.Option{httpapi.WithMetricsHandler(promhttp.Handler())}
	if config.APIKey != "" {
		apiOpts = append(apiOpts, httpapi.WithAPIKey(config.APIKey))
	}
	httpapi.NewService(st, apiOpts...).RegisterHandlers(router)

	if config.HTTPListenAddr != "" {
		startHTTPServer(config.HTTPListenAddr, router)
	}

	if config.HTTPSListenAddr != "" {
		startHTTPSServer(
			config.HTTPSListenAddr,
			config.HTTPSCertFile,
			config.HTTPSKeyFile,
			router,
		)
	}

	select {}
}
