// Package main is the entry point for the SMTP-to-ACS relay.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shineum/acs-smtp-relay/internal/config"
	"github.com/shineum/acs-smtp-relay/internal/health"
	"github.com/shineum/acs-smtp-relay/internal/metrics"
	"github.com/shineum/acs-smtp-relay/internal/provider"
	"github.com/shineum/acs-smtp-relay/internal/provider/acs"
	"github.com/shineum/acs-smtp-relay/internal/provider/ses"
	"github.com/shineum/acs-smtp-relay/internal/provider/stdout"
	"github.com/shineum/acs-smtp-relay/internal/smtp"
)

// metricsLogInterval is how often the metrics summary is logged.
const metricsLogInterval = 5 * time.Minute

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Logging.Level)

	prov := selectProvider(cfg)

	collector := metrics.NewCollector()

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Provider:       prov,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		MaxConnections: cfg.SMTP.MaxConnections,
		Metrics:        collector,
	})

	slog.Info("starting acs-smtp-relay",
		"listen", cfg.SMTP.Listen,
		"provider", prov.Name(),
		"max_email_size", cfg.SMTP.MaxMessageSize,
		"max_connections", cfg.SMTP.MaxConnections,
	)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig.String())
		cancel()
	}()

	metrics.StartLogger(ctx, collector, metricsLogInterval)

	var healthSrv *health.Server
	if cfg.Health.Listen != "" {
		healthSrv = health.New(cfg.Health.Listen, collector)
		healthSrv.Start()
	}

	// Start the server (blocks until the context is cancelled)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	if healthSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := healthSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health server shutdown error", "error", err)
		}
	}

	slog.Info("acs-smtp-relay stopped")
}

// loadConfig loads configuration from the specified path (YAML + env
// override) or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// selectProvider chooses the email delivery backend based on configuration.
// If PROVIDER is set, it takes precedence; otherwise ACS is used when
// configured, then SES, then the stdout dry-run backend.
func selectProvider(cfg *config.Config) provider.Provider {
	switch cfg.Provider {
	case "acs":
		if !cfg.ACSConfigured() {
			slog.Error("ACS provider selected but ACS_CONNECTION_STRING and ACS_SENDER_ADDRESS are required")
			os.Exit(1)
		}
		return newACSProvider(cfg)

	case "ses":
		if !cfg.SESConfigured() {
			slog.Error("SES provider selected but SES_REGION and SES_SENDER are required")
			os.Exit(1)
		}
		slog.Info("using AWS SES provider",
			"region", cfg.SES.Region,
			"sender", cfg.SES.Sender,
		)
		p, err := ses.New(context.Background(), ses.ProviderConfig{
			Region:          cfg.SES.Region,
			AccessKeyID:     cfg.SES.AccessKeyID,
			SecretAccessKey: cfg.SES.SecretAccessKey,
			Sender:          cfg.SES.Sender,
		})
		if err != nil {
			slog.Error("failed to create SES provider", "error", err)
			os.Exit(1)
		}
		return p

	case "stdout":
		slog.Info("using stdout provider")
		return stdout.New()

	case "":
		// Auto-detection fallback
		if cfg.ACSConfigured() {
			return newACSProvider(cfg)
		}
		if cfg.SESConfigured() {
			slog.Info("using AWS SES provider (auto-detected)",
				"region", cfg.SES.Region,
				"sender", cfg.SES.Sender,
			)
			p, err := ses.New(context.Background(), ses.ProviderConfig{
				Region:          cfg.SES.Region,
				AccessKeyID:     cfg.SES.AccessKeyID,
				SecretAccessKey: cfg.SES.SecretAccessKey,
				Sender:          cfg.SES.Sender,
			})
			if err != nil {
				slog.Error("failed to create SES provider", "error", err)
				os.Exit(1)
			}
			return p
		}
		slog.Info("no provider configured, using stdout provider")
		return stdout.New()

	default:
		slog.Error("unknown provider", "provider", cfg.Provider)
		os.Exit(1)
		return nil
	}
}

// newACSProvider builds the ACS backend from the validated configuration.
func newACSProvider(cfg *config.Config) provider.Provider {
	ep, err := config.ParseConnectionString(cfg.ACS.ConnectionString)
	if err != nil {
		slog.Error("invalid ACS connection string", "error", err)
		os.Exit(1)
	}

	slog.Info("using ACS provider",
		"endpoint", ep.Endpoint,
		"sender", cfg.ACS.Sender,
		"allowed_sender_domains", cfg.AllowedDomains(),
	)

	p, err := acs.New(acs.ProviderConfig{
		Endpoint:             ep.Endpoint,
		AccessKey:            ep.AccessKey,
		Sender:               cfg.ACS.Sender,
		AllowedSenderDomains: cfg.AllowedDomains(),
	})
	if err != nil {
		slog.Error("failed to create ACS provider", "error", err)
		os.Exit(1)
	}
	return p
}
