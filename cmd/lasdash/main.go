// Command lasdash is the terminal dashboard for a LAS agent daemon. It
// mirrors the daemon's web dashboard: a live transcript fed by the push
// stream and a background poll loop, plus auth and one-shot subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/whytehoux-projecty/LAS/internal/api"
	"github.com/whytehoux-projecty/LAS/internal/auth"
	"github.com/whytehoux-projecty/LAS/internal/bus"
	"github.com/whytehoux-projecty/LAS/internal/config"
	"github.com/whytehoux-projecty/LAS/internal/cron"
	otelPkg "github.com/whytehoux-projecty/LAS/internal/otel"
	"github.com/whytehoux-projecty/LAS/internal/persistence"
	"github.com/whytehoux-projecty/LAS/internal/poll"
	"github.com/whytehoux-projecty/LAS/internal/stream"
	"github.com/whytehoux-projecty/LAS/internal/telemetry"
	"github.com/whytehoux-projecty/LAS/internal/transcript"
	"github.com/whytehoux-projecty/LAS/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DASHBOARD (default):
  %s                        Start the interactive dashboard TUI

SUBCOMMANDS:
  %s status                 Probe the daemon's /health endpoint
  %s query <text>           Submit a one-shot query and print the answer
  %s stop                   Ask the agent to cancel the current run
  %s login                  Log in and store the token pair
  %s register               Create an account on the daemon
  %s logout                 Invalidate and clear the stored tokens
  %s whoami                 Print the authenticated user

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  LASDASH_HOME              Data directory (default: ~/.lasdash)
  LASDASH_DAEMON_URL        Daemon base URL (default: http://localhost:7777)
  LASDASH_NO_TUI            Set to 1 to refuse to start the dashboard
`)
}

func main() {
	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("LASDASH_NO_TUI") == ""
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "query":
			os.Exit(runQueryCommand(ctx, args[1:]))
		case "stop":
			os.Exit(runStopCommand(ctx, args[1:]))
		case "login":
			os.Exit(runLoginCommand(ctx, args[1:]))
		case "register":
			os.Exit(runRegisterCommand(ctx, args[1:]))
		case "logout":
			os.Exit(runLogoutCommand(ctx, args[1:]))
		case "whoami":
			os.Exit(runWhoamiCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if !interactive {
		fmt.Fprintln(os.Stderr, "the dashboard needs a terminal; see `lasdash help` for one-shot commands")
		os.Exit(1)
	}
	runDashboard(ctx, stop)
}

func runDashboard(ctx context.Context, cancel context.CancelFunc) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet logs (file-only) so the TUI owns the terminal.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "daemon_url", cfg.DaemonURL)

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()
	defer eventBus.Close()

	db, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer db.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	tokens := auth.NewTokenStore(db)
	session := auth.NewSession(eventBus)
	client := api.New(api.Config{
		BaseURL: cfg.DaemonURL,
		Tokens:  tokens,
		Session: session,
		Logger:  logger,
		Metrics: metrics,
		Tracer:  otelProvider.Tracer,
		Timeout: cfg.RequestTimeout(),
	})

	username := ""
	if _, ok, _ := tokens.Get(ctx); ok {
		session.MarkAuthenticated()
		// Best-effort profile fetch; an expired pair surfaces on the
		// first real request instead.
		whoCtx, whoCancel := context.WithTimeout(ctx, 5*time.Second)
		if user, err := client.Me(whoCtx); err == nil {
			username = user.Username
		}
		whoCancel()
	}

	store := transcript.New(eventBus)

	archiver := transcript.NewArchiver(db, eventBus, logger)
	if err := archiver.Start(ctx); err != nil {
		fatalStartup(logger, "E_ARCHIVE_INIT", err)
	}
	defer archiver.Stop()

	sweeper, err := cron.NewScheduler(cron.Config{
		Store:          db,
		Logger:         logger,
		Schedule:       cfg.Retention.SweepSchedule,
		TranscriptDays: cfg.Retention.TranscriptDays,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	streamMgr, err := stream.NewManager(stream.Config{
		Client:     client,
		Transcript: store,
		Bus:        eventBus,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		fatalStartup(logger, "E_STREAM_INIT", err)
	}

	synchronizer := poll.New(poll.Config{
		Client:     client,
		Transcript: store,
		Bus:        eventBus,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     otelProvider.Tracer,
		Interval:   cfg.PollInterval(),
	})
	synchronizer.Start(ctx)
	defer synchronizer.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go applyReloads(ctx, watcher, logger)
	}

	logger.Info("startup phase", "phase", "dashboard_starting",
		"poll_interval", cfg.PollInterval(), "version", Version)

	err = tui.Run(ctx, tui.DashboardConfig{
		Client:     client,
		Transcript: store,
		Bus:        eventBus,
		Stream:     streamMgr,
		Poll:       synchronizer,
		Logger:     logger,
		TTSEnabled: cfg.TTSEnabled,
		Username:   username,
		CancelFunc: cancel,
	})
	if err != nil {
		logger.Error("dashboard exited with error", "error", err)
		fmt.Fprintf(os.Stderr, "lasdash: %v\n", err)
		os.Exit(1)
	}
	logger.Info("shutdown", "reason", "dashboard closed")
}

// applyReloads logs config changes while the dashboard runs. Interval and
// URL changes need a restart; the log line says so instead of guessing.
func applyReloads(ctx context.Context, watcher *config.Watcher, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			if _, err := config.Load(); err != nil {
				logger.Warn("config changed but does not parse", "path", ev.Path, "error", err)
				continue
			}
			logger.Info("config reloaded; restart lasdash to apply connection settings", "path", ev.Path)
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"lasdash","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
