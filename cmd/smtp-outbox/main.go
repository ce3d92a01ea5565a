// Package main is the entry point for the smtp-outbox delivery engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shineum/smtp-outbox/internal/compose"
	"github.com/shineum/smtp-outbox/internal/config"
	"github.com/shineum/smtp-outbox/internal/dispatch"
	"github.com/shineum/smtp-outbox/internal/jobfile"
	"github.com/shineum/smtp-outbox/internal/metrics"
	"github.com/shineum/smtp-outbox/internal/provider"
	"github.com/shineum/smtp-outbox/internal/provider/graph"
	"github.com/shineum/smtp-outbox/internal/provider/ses"
	"github.com/shineum/smtp-outbox/internal/provider/stdout"
	"github.com/shineum/smtp-outbox/internal/smtp"
	"github.com/shineum/smtp-outbox/internal/store"
	outboxtls "github.com/shineum/smtp-outbox/internal/tls"
)

const usage = `usage: smtp-outbox <command> [flags]

commands:
  run       deliver due jobs on a schedule (default)
  enqueue   insert a job described by a YAML file
  preview   compose a job file and print the message
`

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runCmd(args)
	case "enqueue":
		err = enqueueCmd(args)
	case "preview":
		err = previewCmd(args)
	case "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		slog.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML configuration file (optional)")
	once := fs.Bool("once", false, "run a single dispatch cycle and exit")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg.Logging.Level)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating shutdown", "signal", sig)
		cancel()
	}()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	prov, err := selectProvider(ctx, cfg)
	if err != nil {
		return err
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Listen != "" {
		stop := serveMetrics(cfg.Metrics.Listen)
		defer stop()
	}

	d := dispatch.New(st, prov, dispatch.Config{
		Concurrency: cfg.Dispatch.Concurrency,
		JobTimeout:  cfg.Dispatch.JobTimeout,
		Logger:      slog.Default(),
		Metrics:     m,
	})

	slog.Info("starting smtp-outbox",
		"provider", prov.Name(),
		"interval", cfg.Dispatch.Interval,
		"concurrency", cfg.Dispatch.Concurrency,
		"persistent_store", cfg.Database.URL != "",
		"once", *once,
	)

	if *once {
		res := d.RunCycle(ctx, time.Now())
		if res.Unrecorded > 0 {
			return fmt.Errorf("%d sent jobs could not be recorded", res.Unrecorded)
		}
		return nil
	}

	// Blocks until the context is cancelled
	if err := dispatch.NewScheduler(d, cfg.Dispatch.Interval).Run(ctx); err != nil {
		return err
	}

	slog.Info("smtp-outbox stopped")
	return nil
}

func enqueueCmd(args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML configuration file (optional)")
	jobPath := fs.String("job", "", "path to YAML job file")
	_ = fs.Parse(args)

	if *jobPath == "" {
		return errors.New("-job is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg.Logging.Level)

	if cfg.Database.URL == "" {
		return errors.New("enqueue needs a database, set DATABASE_URL")
	}

	job, attachments, err := jobfile.Load(*jobPath)
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	id, err := st.InsertJob(ctx, job)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	for i := range attachments {
		if err := st.InsertAttachment(ctx, id, &attachments[i]); err != nil {
			return fmt.Errorf("failed to insert attachment %q: %w", attachments[i].Filename, err)
		}
	}

	slog.Info("job enqueued",
		"job_id", id,
		"recipient", job.Recipient,
		"scheduled_at", job.ScheduledAt,
		"attachments", len(attachments),
	)
	fmt.Println(id)
	return nil
}

func previewCmd(args []string) error {
	fs := flag.NewFlagSet("preview", flag.ExitOnError)
	jobPath := fs.String("job", "", "path to YAML job file")
	raw := fs.Bool("raw", false, "print the composed MIME message instead of a summary")
	_ = fs.Parse(args)

	if *jobPath == "" {
		return errors.New("-job is required")
	}

	job, attachments, err := jobfile.Load(*jobPath)
	if err != nil {
		return err
	}

	msg, err := compose.Compose(job, attachments, compose.NewBoundary())
	if err != nil {
		return err
	}

	p := stdout.NewWithWriter(os.Stdout)
	if *raw {
		p = stdout.NewRaw(os.Stdout)
	}
	return p.Send(context.Background(), job.Envelope(), msg)
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
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

// openStore connects to PostgreSQL when a database URL is configured and
// falls back to an in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Database.URL == "" {
		slog.Warn("no database configured, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Database.Migrate {
		if err := store.Migrate(ctx, pool, slog.Default()); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}

	return store.NewPostgres(pool), pool.Close, nil
}

// selectProvider builds the delivery backend named in the configuration.
func selectProvider(ctx context.Context, cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case config.ProviderSMTP:
		smtpCfg := smtp.Config{
			Host:           cfg.SMTP.Host,
			Port:           cfg.SMTP.Port,
			HeloName:       cfg.SMTP.HeloName,
			ConnectTimeout: cfg.SMTP.ConnectTimeout,
			ChunkSize:      cfg.SMTP.ChunkSize,
		}
		if cfg.SMTP.TLS {
			tlsConfig, err := outboxtls.ClientConfig(outboxtls.ClientOptions{
				ServerName:         cfg.SMTP.ServerName,
				CAFile:             cfg.SMTP.CAFile,
				InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to setup TLS: %w", err)
			}
			if tlsConfig.ServerName == "" {
				tlsConfig.ServerName = cfg.SMTP.Host
			}
			smtpCfg.TLSConfig = tlsConfig
		} else {
			slog.Warn("SMTP TLS disabled, credentials are sent in clear text")
		}
		slog.Info("using SMTP provider",
			"host", cfg.SMTP.Host,
			"port", cfg.SMTP.Port,
			"tls", cfg.SMTP.TLS,
		)
		return smtp.New(smtpCfg), nil

	case config.ProviderSES:
		slog.Info("using AWS SES provider", "region", cfg.SES.Region)
		p, err := ses.New(ctx, ses.Config{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES provider: %w", err)
		}
		return p, nil

	case config.ProviderGraph:
		slog.Info("using Microsoft Graph provider", "tenant_id", cfg.Graph.TenantID)
		return graph.New(graph.Config{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
		}), nil

	case config.ProviderStdout:
		slog.Info("using stdout provider")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// serveMetrics exposes the default registry on addr and returns a function
// that shuts the listener down.
func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(prometheus.DefaultGatherer))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
