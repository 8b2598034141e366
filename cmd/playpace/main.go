// Command playpace is the media playback control daemon.
//
// Usage:
//
//	playpace -config playpace.yaml          # observe pages from YAML config
//	playpace -url https://example.com       # quick single-page session
//
// The admin API listens on -http (loopback by default); MCP tools are
// served over stdio with -mcp. Settings live in an SQLite database and
// reload live when written by anyone.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/playpace/playpace/actionlog"
	"github.com/playpace/playpace/controller"
	"github.com/playpace/playpace/dbopen"
	"github.com/playpace/playpace/httpapi"
	"github.com/playpace/playpace/idgen"
	"github.com/playpace/playpace/mediawatch"
	"github.com/playpace/playpace/settings"
	"github.com/playpace/playpace/shield"
)

func main() {
	configPath := flag.String("config", "", "path to playpace.yaml config file")
	singleURL := flag.String("url", "", "observe a single URL")
	dbPath := flag.String("db", defaultDBPath(), "path to the settings database")
	httpAddr := flag.String("http", "127.0.0.1:8573", "admin API listen address, empty to disable")
	mcpStdio := flag.Bool("mcp", false, "serve MCP tools over stdio")
	sqlTrace := flag.Bool("sql-trace", false, "log every settings database statement")
	logLevel := flag.String("log-level", env("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	hashPassword := flag.String("hash-password", "", "print a bcrypt hash for PLAYPACE_ADMIN_PASSWORD_HASH and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := httpapi.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, "hash:", err)
			os.Exit(1)
		}
		fmt.Println(string(hash))
		return
	}

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, runOptions{
		configPath: *configPath,
		singleURL:  *singleURL,
		dbPath:     *dbPath,
		httpAddr:   *httpAddr,
		mcpStdio:   *mcpStdio,
		sqlTrace:   *sqlTrace,
	}); err != nil {
		logger.Error("playpace: fatal", "error", err)
		os.Exit(1)
	}
}

type runOptions struct {
	configPath string
	singleURL  string
	dbPath     string
	httpAddr   string
	mcpStdio   bool
	sqlTrace   bool
}

func run(ctx context.Context, logger *slog.Logger, opts runOptions) error {
	cfg, err := buildConfig(opts.configPath, opts.singleURL)
	if err != nil {
		return err
	}

	dbOpts := []dbopen.Option{
		dbopen.WithSchema(settings.Schema),
		dbopen.WithSchema(shield.Schema),
		dbopen.WithSchema(actionlog.Schema),
		dbopen.WithMkdirAll(),
	}
	if opts.sqlTrace {
		dbOpts = append(dbOpts, dbopen.WithTracing())
	}
	db, err := dbopen.Open(opts.dbPath, dbOpts...)
	if err != nil {
		return fmt.Errorf("open settings database: %w", err)
	}
	defer db.Close()

	store := settings.NewStore(db, logger)

	audit := actionlog.New(db, actionlog.WithLogger(logger))
	defer audit.Close()

	var sinks []mediawatch.Sink
	for _, sc := range cfg.Sinks {
		switch sc.Type {
		case "stdout":
			sinks = append(sinks, mediawatch.NewStdoutSink(nil))
		case "webhook":
			wh, err := mediawatch.NewWebhookSink(sc.URL, logger)
			if err != nil {
				logger.Warn("playpace: webhook sink rejected", "url", sc.URL, "error", err)
				continue
			}
			sinks = append(sinks, wh)
		default:
			logger.Warn("playpace: unknown sink type", "type", sc.Type)
		}
	}

	watcher := mediawatch.New(cfg, logger, sinks...)

	ctrl := controller.New(controller.Config{
		Watcher: watcher,
		Store:   store,
		Audit:   audit,
		Logger:  logger,
	})
	watcher.AddSink(ctrl.Sink())

	if err := ctrl.Reload(ctx); err != nil {
		logger.Warn("playpace: initial settings load", "error", err)
	}

	// External writes to the settings database take effect live.
	reloader := settings.NewReloader(db, settings.ReloadOptions{
		Debounce: 250 * time.Millisecond,
		Logger:   logger,
	})
	go reloader.Run(ctx, func() error { return ctrl.Reload(ctx) })

	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Stop()

	if opts.httpAddr != "" {
		api := httpapi.New(httpapi.Config{
			Controller:   ctrl,
			DB:           db,
			Logger:       logger,
			User:         env("PLAYPACE_ADMIN_USER", "admin"),
			PasswordHash: []byte(os.Getenv("PLAYPACE_ADMIN_PASSWORD_HASH")),
		})
		handler := api.Router()
		if rl := api.Limiter(); rl != nil {
			rl.StartReloader(ctx.Done())
		}

		srv := &http.Server{
			Addr:              opts.httpAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			logger.Info("playpace: admin API listening", "addr", opts.httpAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("playpace: admin API", "error", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			srv.Shutdown(shutCtx)
		}()
	}

	if opts.mcpStdio {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "playpace",
			Version: "1.0.0",
		}, nil)
		ctrl.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				logger.Error("playpace: mcp stdio", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("playpace: shutting down")
	return nil
}

// buildConfig resolves the watcher configuration from a YAML file or a
// single URL, falling back to an empty page set (pages can still arrive
// through the admin API later).
func buildConfig(configPath, singleURL string) (*mediawatch.Config, error) {
	if configPath != "" {
		cfg, err := mediawatch.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}

	cfg := &mediawatch.Config{}
	cfg.ApplyDefaults()
	if singleURL != "" {
		cfg.Pages = []mediawatch.PageConfig{{
			ID:    idgen.New(),
			URL:   singleURL,
			Probe: "always",
		}}
		cfg.Sinks = nil
	}
	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultDBPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return dir + "/playpace/playpace.db"
	}
	return "playpace.db"
}
