package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smazurov/childwatch/cmd"
	"github.com/smazurov/childwatch/internal/api"
	"github.com/smazurov/childwatch/internal/children"
	"github.com/smazurov/childwatch/internal/config"
	"github.com/smazurov/childwatch/internal/events"
	"github.com/smazurov/childwatch/internal/logging"
	"github.com/smazurov/childwatch/internal/process"
	"github.com/smazurov/childwatch/internal/systemd"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Children settings
	ChildrenConfigFile string `help:"Child declarations file" default:"children.toml" toml:"children.config_file" env:"CHILDREN_CONFIG_FILE"`
	KillGraceMs        int    `help:"Grace period between kill signals on shutdown, in milliseconds" default:"500" toml:"children.kill_grace_ms" env:"CHILDREN_KILL_GRACE_MS"`
	ShutdownTimeoutMs  int    `help:"Upper bound for stopping every child on shutdown, in milliseconds" default:"10000" toml:"children.shutdown_timeout_ms" env:"CHILDREN_SHUTDOWN_TIMEOUT_MS"`

	// Observability settings
	PrometheusEnabled bool `help:"Expose Prometheus metrics on /metrics" default:"true" toml:"obs.prometheus_enabled" env:"OBS_PROMETHEUS_ENABLED"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings
	LoggingLevel      string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat     string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingProcess    string `help:"Process handle logging level" default:"info" toml:"logging.process" env:"LOGGING_PROCESS"`
	LoggingDispatcher string `help:"SIGCHLD dispatcher logging level" default:"info" toml:"logging.dispatcher" env:"LOGGING_DISPATCHER"`
	LoggingChildren   string `help:"Children service logging level" default:"info" toml:"logging.children" env:"LOGGING_CHILDREN"`
	LoggingAPI        string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingHTTP       string `help:"HTTP request logging level" default:"info" toml:"logging.http" env:"LOGGING_HTTP"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically; explicit flags win
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"process":    opts.LoggingProcess,
				"dispatcher": opts.LoggingDispatcher,
				"children":   opts.LoggingChildren,
				"api":        opts.LoggingAPI,
				"http":       opts.LoggingHTTP,
			},
		})
		logger := logging.GetLogger("main")

		// Create event bus for in-process event handling
		eventBus := events.New()

		var server *api.Server
		var service children.Service
		var watcher *config.Watcher[logging.Config]
		notifier := systemd.NewNotifier(logging.GetLogger("systemd"))
		watchdogCtx, stopWatchdog := context.WithCancel(context.Background())

		hooks.OnStart(func() {
			// Buffered log lines are republished for the SSE log stream
			logging.SetLogCallback(func(entry logging.LogEntry) {
				eventBus.Publish(events.LogEntryEvent{
					Seq:        entry.Seq,
					Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
					Level:      entry.Level,
					Module:     entry.Module,
					Message:    entry.Message,
					Attributes: entry.Attributes,
				})
			})

			manager := process.NewManager(
				process.WithEventBus(eventBus),
				process.WithShutdownGrace(time.Duration(opts.KillGraceMs)*time.Millisecond),
			)

			store := config.NewChildStore(opts.ChildrenConfigFile)
			service = children.NewService(&children.ServiceOptions{
				Store:   store,
				Manager: manager,
				Logger:  logging.GetLogger("children"),
			})

			// Load declared children and spawn the autostart ones
			if loadErr := service.LoadChildrenFromConfig(); loadErr != nil {
				logger.Warn("Failed to load children from config", "error", loadErr)
			}

			apiOpts := &api.Options{
				AuthUsername: opts.AuthUsername,
				AuthPassword: opts.AuthPassword,
				ChildService: service,
				EventBus:     eventBus,
				Outstanding:  manager.Outstanding,
			}
			if opts.PrometheusEnabled {
				apiOpts.PrometheusHandler = promhttp.Handler()
			}
			server = api.NewServer(apiOpts)

			// Log levels follow the config file while the server runs
			watcher = config.NewConfigWatcher(opts.Config, config.ParseLoggingConfig, logging.GetLogger("config"))
			watcher.OnReload(func(cfg logging.Config) {
				applyLogLevels(cfg, logger)
			})
			if watchErr := watcher.Start(); watchErr != nil {
				logger.Warn("Config watcher not started", "path", opts.Config, "error", watchErr)
				watcher = nil
			}

			// Keep systemctl status in step with the number of live children
			updateStatus := func() { notifier.Status("%d children running", manager.Outstanding()) }
			eventBus.Subscribe(func(events.ChildSpawnedEvent) { updateStatus() })
			eventBus.Subscribe(func(events.ChildExitedEvent) { updateStatus() })

			declared := 0
			if list, listErr := service.ListChildren(context.Background()); listErr == nil {
				declared = len(list)
			}
			notifier.Ready(fmt.Sprintf("%d children declared, %d running", declared, manager.Outstanding()))
			go notifier.RunWatchdog(watchdogCtx)

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			notifier.Stopping()
			stopWatchdog()
			if watcher != nil {
				_ = watcher.Stop()
			}
			if server != nil {
				if stopErr := server.Stop(); stopErr != nil {
					logger.Error("Error stopping HTTP server", "error", stopErr)
				}
			}

			// Stop children after the HTTP server stops accepting new requests
			if service != nil {
				ctx, cancel := context.WithTimeout(context.Background(), time.Duration(opts.ShutdownTimeoutMs)*time.Millisecond)
				defer cancel()
				if stopErr := service.Shutdown(ctx); stopErr != nil {
					logger.Error("Error stopping children", "error", stopErr)
				}
			}
		})
	})

	cli.Root().Use = "childwatch"
	cli.Root().Short = "Spawn, watch and reap child processes"

	cli.Root().AddCommand(
		cmd.CreateRunCmd(),
		cmd.CreateSpawnCmd(),
		cmd.CreatePsCmd(),
		cmd.CreateKillCmd(),
		cmd.CreateSemCmd(),
		cmd.CreateEchoCmd(),
		cmd.CreateVersionCmd(),
	)

	// Run the CLI
	cli.Run()
}

// applyLogLevels pushes reloaded levels into the running loggers.
func applyLogLevels(cfg logging.Config, logger *slog.Logger) {
	if err := logging.SetLevel("", cfg.Level); err != nil {
		logger.Warn("Ignoring global log level", "level", cfg.Level, "error", err)
	}
	for module, level := range cfg.Modules {
		if err := logging.SetLevel(module, level); err != nil {
			logger.Warn("Ignoring module log level", "module", module, "level", level, "error", err)
		}
	}
	logger.Info("Log levels reloaded", "level", cfg.Level)
}
