package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/cenkalti/backoff/v5"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/borealdata/icebridge/internal/aisvc"
	"github.com/borealdata/icebridge/internal/bridge"
	"github.com/borealdata/icebridge/internal/catalog"
	"github.com/borealdata/icebridge/internal/mcp/server"
	"github.com/borealdata/icebridge/internal/mcp/server/metrics"
	"github.com/borealdata/icebridge/internal/warehouse"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr     = "0.0.0.0:8010"
	defaultMetricsAddr    = "0.0.0.0:0"
	defaultMaxSessions    = 8
	defaultMaxConcurrency = 16
	defaultQueryTimeout   = 60 * time.Second
	defaultStartupRetries = 5

	serviceConfigEnvVar = "SERVICE_CONFIG_FILE"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "Address to listen on for prometheus metrics")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP server listen address")

	// Service catalog configuration
	serviceConfigFlag := flag.String("service-config-file", "", "Path to the service catalog YAML file (or set SERVICE_CONFIG_FILE env var)")

	// Warehouse connection configuration
	hostFlag := flag.String("warehouse-host", "", "Warehouse SQL endpoint host (or set ICEBRIDGE_HOST env var)")
	portFlag := flag.Int("warehouse-port", 0, "Warehouse SQL endpoint port (or set ICEBRIDGE_PORT env var)")
	accountFlag := flag.String("warehouse-account", "", "Warehouse account identifier (or set ICEBRIDGE_ACCOUNT env var)")
	userFlag := flag.String("warehouse-user", "", "Warehouse user (or set ICEBRIDGE_USER env var)")
	privateKeyFlag := flag.String("private-key-file", "", "Path to a PEM private key for key-pair authentication (or set ICEBRIDGE_PRIVATE_KEY_FILE env var)")
	warehouseFlag := flag.String("warehouse", "", "Default compute warehouse for sessions")
	databaseFlag := flag.String("database", "", "Default database for sessions")
	schemaFlag := flag.String("schema", "", "Default schema for sessions")
	roleFlag := flag.String("role", "", "Default role for sessions")
	queryTagFlag := flag.String("query-tag", "icebridge", "Query tag applied to every session")

	// Pool configuration
	maxSessionsFlag := flag.Int("max-sessions", defaultMaxSessions, "Maximum number of live warehouse sessions")
	warmSessionsFlag := flag.Int("warm-sessions", 0, "Number of sessions opened eagerly at startup")
	acquireTimeoutFlag := flag.Duration("acquire-timeout", 10*time.Second, "How long an invocation waits for a session before failing")
	idleTimeoutFlag := flag.Duration("idle-timeout", 5*time.Minute, "How long an idle session is kept before being closed")

	// Dispatcher configuration
	maxConcurrencyFlag := flag.Int("max-concurrency", defaultMaxConcurrency, "Maximum number of concurrent invocations")
	queryTimeoutFlag := flag.Duration("query-timeout", defaultQueryTimeout, "Per statement execution timeout")

	// AI services configuration
	aiBaseURLFlag := flag.String("ai-base-url", "", "Base URL of the warehouse AI services REST API (or set ICEBRIDGE_AI_BASE_URL env var)")

	flag.Parse()

	// A local .env is a convenience for development; missing is fine.
	_ = godotenv.Load()

	applyEnvString(serviceConfigFlag, serviceConfigEnvVar)
	applyEnvString(hostFlag, "ICEBRIDGE_HOST")
	applyEnvString(accountFlag, "ICEBRIDGE_ACCOUNT")
	applyEnvString(userFlag, "ICEBRIDGE_USER")
	applyEnvString(privateKeyFlag, "ICEBRIDGE_PRIVATE_KEY_FILE")
	applyEnvString(aiBaseURLFlag, "ICEBRIDGE_AI_BASE_URL")
	if *portFlag == 0 {
		if v := os.Getenv("ICEBRIDGE_PORT"); v != "" {
			p, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid ICEBRIDGE_PORT %q: %w", v, err)
			}
			*portFlag = p
		}
	}

	log := newLogger(*verboseFlag)

	if *serviceConfigFlag == "" {
		return fmt.Errorf("service config file is required (set --service-config-file or %s env var)", serviceConfigEnvVar)
	}
	cat, err := catalog.Load(*serviceConfigFlag)
	if err != nil {
		return fmt.Errorf("failed to load service catalog: %w", err)
	}
	log.Info("service catalog loaded",
		"path", *serviceConfigFlag,
		"searchServices", len(cat.SearchServices()),
		"analystServices", len(cat.AnalystServices()),
		"permissions", cat.Policy().String(),
	)

	// Set up signal handling with detailed logging
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("server: received signal", "signal", sig.String())
		cancel()
	}()

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			err := http.ListenAndServe("localhost:6060", nil)
			if err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	var metricsServerErrCh = make(chan error, 1)
	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				metricsServerErrCh <- err
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				metricsServerErrCh <- err
				return
			}
		}()
	}

	// Parse allowed tokens from environment variable (comma-separated)
	// Auth can be explicitly disabled with MCP_AUTH_DISABLED=true
	var allowedTokens []string
	authDisabled := os.Getenv("MCP_AUTH_DISABLED") == "true"

	if authDisabled {
		log.Info("mcp server: authentication explicitly disabled")
	} else if tokensEnv := os.Getenv("MCP_ALLOWED_TOKENS"); tokensEnv != "" {
		for _, token := range strings.Split(tokensEnv, ",") {
			token = strings.TrimSpace(token)
			if token != "" {
				allowedTokens = append(allowedTokens, token)
			}
		}
		if len(allowedTokens) > 0 {
			log.Info("mcp server: token authentication enabled", "token_count", len(allowedTokens))
		}
	} else {
		log.Info("mcp server: authentication disabled (no tokens configured)")
	}

	warehouseCfg := warehouse.Config{
		Host:                 *hostFlag,
		Port:                 *portFlag,
		Account:              *accountFlag,
		User:                 *userFlag,
		Password:             os.Getenv("ICEBRIDGE_PASSWORD"),
		PrivateKeyPath:       *privateKeyFlag,
		PrivateKeyPassphrase: os.Getenv("ICEBRIDGE_PRIVATE_KEY_PASSPHRASE"),
		Defaults: warehouse.Params{
			Warehouse: *warehouseFlag,
			Database:  *databaseFlag,
			Schema:    *schemaFlag,
			Role:      *roleFlag,
			QueryTag:  *queryTagFlag,
		},
	}
	dialer, err := warehouse.NewDialer(warehouseCfg)
	if err != nil {
		return fmt.Errorf("failed to configure warehouse connection: %w", err)
	}
	log.Info("warehouse endpoint configured", "target", warehouseCfg.Redacted())

	pool, err := warehouse.NewPool(warehouse.PoolConfig{
		Logger:         log,
		Dialer:         dialer,
		MaxSessions:    *maxSessionsFlag,
		WarmSessions:   *warmSessionsFlag,
		AcquireTimeout: *acquireTimeoutFlag,
		IdleTimeout:    *idleTimeoutFlag,
		Defaults:       warehouseCfg.Defaults,
	})
	if err != nil {
		return fmt.Errorf("failed to create session pool: %w", err)
	}
	defer pool.Close()

	// Verify warehouse connectivity before serving, retrying through
	// transient startup races with the backend.
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		pingCtx, pingCancel := context.WithTimeout(ctx, 15*time.Second)
		defer pingCancel()
		if err := pool.Ping(pingCtx); err != nil {
			log.Warn("warehouse not reachable yet, retrying", "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(defaultStartupRetries),
	)
	if err != nil {
		return fmt.Errorf("failed to reach warehouse: %w", err)
	}
	log.Info("warehouse connectivity verified")

	if *warmSessionsFlag > 0 {
		if err := pool.Warm(ctx); err != nil {
			log.Warn("failed to warm session pool", "error", err)
		}
	}

	aiBaseURL := *aiBaseURLFlag
	if aiBaseURL == "" {
		aiBaseURL = "https://" + *hostFlag
	}
	ai, err := aisvc.New(aisvc.Config{
		Logger:  log,
		BaseURL: aiBaseURL,
		Token:   os.Getenv("ICEBRIDGE_AI_TOKEN"),
	})
	if err != nil {
		return fmt.Errorf("failed to create ai service client: %w", err)
	}

	dispatcher, err := bridge.New(bridge.Config{
		Logger:         log,
		Catalog:        cat,
		Pool:           pool,
		AI:             ai,
		MaxConcurrency: *maxConcurrencyFlag,
		QueryTimeout:   *queryTimeoutFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	defer dispatcher.Close()

	srv, err := server.New(ctx, server.Config{
		Version:       version,
		ListenAddr:    *listenAddrFlag,
		Logger:        log,
		Catalog:       cat,
		Dispatcher:    dispatcher,
		Pool:          pool,
		AllowedTokens: allowedTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		err := srv.Run(ctx)
		if err != nil {
			serverErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("server: shutting down", "reason", ctx.Err())
		return nil
	case err := <-serverErrCh:
		log.Error("server: server error causing shutdown", "error", err)
		return err
	case err := <-metricsServerErrCh:
		log.Error("server: metrics server error causing shutdown", "error", err)
		return err
	}
}

func applyEnvString(flagValue *string, envVar string) {
	if *flagValue == "" {
		if v := os.Getenv(envVar); v != "" {
			*flagValue = v
		}
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
