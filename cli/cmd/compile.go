package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/kiln/adapter"
	"github.com/pithecene-io/kiln/adapter/nats"
	"github.com/pithecene-io/kiln/adapter/redis"
	"github.com/pithecene-io/kiln/adapter/webhook"
	"github.com/pithecene-io/kiln/artifacts"
	"github.com/pithecene-io/kiln/cli/config"
	"github.com/pithecene-io/kiln/jobs"
	"github.com/pithecene-io/kiln/lode"
	"github.com/pithecene-io/kiln/log"
	"github.com/pithecene-io/kiln/metrics"
	"github.com/pithecene-io/kiln/repair"
	"github.com/pithecene-io/kiln/runtime"
	"github.com/pithecene-io/kiln/sandbox"
	"github.com/pithecene-io/kiln/source"
	"github.com/pithecene-io/kiln/types"
)

// Exit codes of kiln compile. Setup errors use exitInfrastructure.
const (
	exitSuccess        = 0
	exitContentDefect  = 1
	exitInfrastructure = 2
	exitTimedOut       = 3
	exitCancelled      = 4
)

// shutdownTimeout bounds report persistence and notification after the job ends.
const shutdownTimeout = 30 * time.Second

// CompileCommand returns the compile command, the only command that runs work.
func CompileCommand() *cli.Command {
	return &cli.Command{
		Name:  "compile",
		Usage: "Compile a LaTeX source tree, repairing and retrying until it builds or the budget runs out",
		Flags: append(ConfigFlags(),
			&cli.StringFlag{
				Name:     "source",
				Aliases:  []string{"s"},
				Usage:    "Directory holding the source tree",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "entry",
				Usage: "Entry document, relative to --source",
				Value: "main.tex",
			},
			&cli.StringSliceFlag{
				Name:  "exclude",
				Usage: "Glob of files to leave out of the tree (repeatable; replaces the defaults)",
			},
			&cli.IntFlag{
				Name:  "budget",
				Usage: "Retry budget: repairs and timeout retries allowed after the first attempt",
			},
			&cli.DurationFlag{
				Name:  "time-limit",
				Usage: "Per-attempt time limit",
			},
			&cli.DurationFlag{
				Name:  "deadline",
				Usage: "Wall-clock limit of the whole job (0 = none)",
			},
			&cli.StringFlag{
				Name:  "engine",
				Usage: "Sandbox engine: docker or local",
			},
			&cli.StringFlag{
				Name:  "repair-cmd",
				Usage: "Repair command line, split on whitespace; receives a JSON request on stdin and answers on stdout",
			},
			&cli.StringFlag{
				Name:  "report",
				Usage: "Also write the run report to this file (- for stderr)",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Copy the primary PDF here on success",
			},
			&cli.StringFlag{
				Name:  "metrics-file",
				Usage: "Write Prometheus metrics in textfile format on exit",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "Log encoding on stderr: json or console",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress the result summary",
			},
		),
		Action: compileAction,
	}
}

func compileAction(c *cli.Context) error {
	cfg, err := loadConfig(c, func(cfg *config.Config) {
		cfg.Engine = resolveString(c, "engine", cfg.Engine)
		cfg.Repair.Command = resolveString(c, "repair-cmd", cfg.Repair.Command)
		cfg.Log.Level = resolveString(c, "log-level", cfg.Log.Level)
		cfg.Log.Format = resolveString(c, "log-format", cfg.Log.Format)
		cfg.Limits.TimeLimit.Duration = resolveDuration(c, "time-limit", cfg.Limits.TimeLimit.Duration)
		if c.IsSet("budget") {
			budget := c.Int("budget")
			cfg.Retry.Budget = &budget
		}
	})
	if err != nil {
		return cli.Exit(err.Error(), exitInfrastructure)
	}

	var excludes []string
	if c.IsSet("exclude") {
		excludes = c.StringSlice("exclude")
	}
	tree, err := source.FromDir(c.String("source"), c.String("entry"), excludes)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to load source: %v", err), exitInfrastructure)
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid log level: %v", err), exitInfrastructure)
	}
	errWriter := c.App.ErrWriter
	if errWriter == nil {
		errWriter = os.Stderr
	}
	logger, err := log.New(log.Options{Writer: errWriter, Level: level, Format: log.Format(cfg.Log.Format)})
	if err != nil {
		return cli.Exit(err.Error(), exitInfrastructure)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	store, manager, err := openStore(ctx, cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to open job store: %v", err), exitInfrastructure)
	}

	repairer, err := buildRepairer(cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitInfrastructure)
	}
	notifier, err := buildAdapter(cfg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to create %s adapter: %v", cfg.Adapter.Type, err), exitInfrastructure)
	}

	promRecorder := metrics.NewPrometheusRecorder(prometheus.NewRegistry())
	collector := metrics.NewCollector(cfg.Engine, cfg.Storage.Backend).WithPrometheus(promRecorder)

	registry, err := jobs.New(jobs.Config{
		Engine:        buildEngine(cfg),
		Repairer:      repairer,
		Recorder:      manager,
		Reports:       manager,
		Notifier:      notifier,
		Settings:      cfg.SandboxSettings(),
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		RepairTimeout: cfg.Repair.Timeout.Duration,
		Backoff:       cfg.BackoffPolicy(),
		Logger:        logger,
		Collector:     collector,
	})
	if err != nil {
		if notifier != nil {
			_ = notifier.Close()
		}
		return cli.Exit(fmt.Sprintf("failed to create job registry: %v", err), exitInfrastructure)
	}

	req := jobs.Request{Source: tree, Budget: *cfg.Retry.Budget}
	if d := c.Duration("deadline"); d > 0 {
		req.Deadline = time.Now().Add(d)
	}
	jobID, err := registry.Submit(req)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to submit job: %v", err), exitInfrastructure)
	}

	stop := cancelOnSignal(registry, jobID, logger)
	report, waitErr := registry.Result(ctx, jobID, true)
	stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("registry shutdown incomplete", map[string]any{"error": err.Error()})
	}
	if waitErr != nil {
		return cli.Exit(fmt.Sprintf("job %s aborted: %v", jobID, waitErr), exitInfrastructure)
	}

	if path := c.String("metrics-file"); path != "" {
		if err := promRecorder.WriteTextfile(path); err != nil {
			logger.Warn("failed to write metrics", map[string]any{"error": err.Error()})
		}
	}
	if path := c.String("report"); path != "" {
		if err := runtime.WriteRunReport(report, path); err != nil {
			return cli.Exit(err.Error(), exitInfrastructure)
		}
	}
	if path := c.String("output"); path != "" && report.Status == types.JobStatusSucceeded {
		if err := copyArtifact(ctx, store, report, path); err != nil {
			return cli.Exit(err.Error(), exitInfrastructure)
		}
	}

	if !c.Bool("quiet") {
		printCompileResult(c.App.Writer, report)
	}

	if code := exitCodeFor(report); code != exitSuccess {
		return cli.Exit("", code)
	}
	return nil
}

// openStore builds the file store and artifact manager for cfg.
// The fs root is created when missing.
func openStore(ctx context.Context, cfg *config.Config) (*lode.FileStore, *artifacts.Manager, error) {
	storage := cfg.StorageConfig()
	if storage.Backend == lode.BackendFS {
		if err := os.MkdirAll(storage.Path, 0o755); err != nil {
			return nil, nil, err
		}
	}
	factory, err := lode.NewStoreFactory(ctx, storage)
	if err != nil {
		return nil, nil, err
	}
	ledger, err := lode.NewLedger(factory)
	if err != nil {
		return nil, nil, err
	}
	store := lode.NewFileStore(factory)
	return store, artifacts.NewManager(store, ledger), nil
}

func buildEngine(cfg *config.Config) sandbox.Engine {
	if cfg.Engine == "local" {
		return sandbox.NewLocalEngine(sandbox.LocalConfig{
			Path:       cfg.Local.Path,
			Env:        cfg.Local.Env,
			ScratchDir: cfg.ScratchDir,
			Compiler:   cfg.CompilerSteps(),
		})
	}
	return sandbox.NewDockerEngine(sandbox.DockerConfig{
		Binary:     cfg.Docker.Binary,
		Image:      cfg.Docker.Image,
		Workdir:    cfg.Docker.Workdir,
		Pull:       cfg.Docker.Pull,
		ExtraArgs:  cfg.Docker.ExtraArgs,
		ScratchDir: cfg.ScratchDir,
		Compiler:   cfg.CompilerSteps(),
	})
}

// buildRepairer returns the configured repair command, or a repairer that
// always fails when none is set.
func buildRepairer(cfg *config.Config) (runtime.Repairer, error) {
	if cfg.Repair.Command == "" {
		return repair.Unavailable{}, nil
	}
	cmd, err := repair.NewCommand(cfg.Repair.Command, cfg.Repair.Args...)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(cfg.Repair.Env))
	for k := range cfg.Repair.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+cfg.Repair.Env[k])
	}
	return cmd, nil
}

// buildAdapter returns the completion notifier, or nil when none is configured.
func buildAdapter(cfg *config.Config) (adapter.Adapter, error) {
	// An unset retries falls back to the adapter's default.
	retriesOr := func(def int) int {
		if cfg.Adapter.Retries != nil {
			return *cfg.Adapter.Retries
		}
		return def
	}
	timeout := cfg.Adapter.Timeout.Duration

	switch cfg.Adapter.Type {
	case "":
		return nil, nil
	case "webhook":
		a, err := webhook.New(webhook.Config{
			URL:     cfg.Adapter.URL,
			Headers: cfg.Adapter.Headers,
			Secret:  cfg.Adapter.Secret,
			Timeout: timeout,
			Retries: retriesOr(webhook.DefaultRetries),
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "redis":
		a, err := redis.New(redis.Config{
			URL:       cfg.Adapter.URL,
			Channel:   cfg.Adapter.Channel,
			KeyPrefix: cfg.Adapter.KeyPrefix,
			KeyTTL:    cfg.Adapter.KeyTTL.Duration,
			Timeout:   timeout,
			Retries:   retriesOr(redis.DefaultRetries),
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "nats":
		a, err := nats.New(nats.Config{
			URL:       cfg.Adapter.URL,
			Subject:   cfg.Adapter.Subject,
			JetStream: cfg.Adapter.JetStream,
			Timeout:   timeout,
			Retries:   retriesOr(nats.DefaultRetries),
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.Adapter.Type)
	}
}

// cancelOnSignal cancels the job on SIGINT or SIGTERM until stop is called.
func cancelOnSignal(registry *jobs.Registry, jobID string, logger *log.Logger) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			logger.WithJob(jobID).Warn("cancelling job", map[string]any{"signal": sig.String()})
			if err := registry.Cancel(jobID); err != nil && !errors.Is(err, jobs.ErrJobNotFound) {
				logger.Error("cancel failed", map[string]any{"error": err.Error()})
			}
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// copyArtifact writes the primary output of a finished job to path.
func copyArtifact(ctx context.Context, store *lode.FileStore, report *types.RunReport, path string) error {
	if len(report.Artifacts) == 0 {
		return fmt.Errorf("job %s produced no artifact", report.JobID)
	}
	data, err := store.Get(ctx, report.Artifacts[0])
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func exitCodeFor(report *types.RunReport) int {
	if report.Status == types.JobStatusSucceeded {
		return exitSuccess
	}
	switch report.Reason {
	case types.FailureContentDefect:
		return exitContentDefect
	case types.FailureTimedOut:
		return exitTimedOut
	case types.FailureCancelled:
		return exitCancelled
	default:
		return exitInfrastructure
	}
}

func printCompileResult(w io.Writer, report *types.RunReport) {
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintf(w, "\njob_id=%s, status=%s, attempts=%d, duration=%s\n",
		report.JobID,
		report.Status,
		report.TotalAttempts,
		(time.Duration(report.DurationMs) * time.Millisecond).Round(time.Millisecond),
	)
	if report.Reason != "" {
		fmt.Fprintf(w, "reason=%s, environmental=%t\n", report.Reason, report.Environmental)
	}
	fmt.Fprintf(w, "%s\n", report.Message)

	if len(report.Artifacts) > 0 {
		fmt.Fprintf(w, "\n=== Artifacts ===\n")
		for _, a := range report.Artifacts {
			fmt.Fprintf(w, "  - %s\n", a)
		}
	}

	diags := report.LastDiagnostics
	if report.Status == types.JobStatusSucceeded {
		diags = report.ResidualWarnings
	}
	if len(diags) > 0 {
		fmt.Fprintf(w, "\n=== Diagnostics ===\n")
		for _, d := range diags {
			line := ""
			if d.Line > 0 {
				line = fmt.Sprintf(" (l.%d)", d.Line)
			}
			msg, _, _ := strings.Cut(d.Message, "\n")
			fmt.Fprintf(w, "  %-7s %s%s: %s\n", d.Severity, d.Category, line, msg)
		}
	}

	if report.InfraError != "" {
		fmt.Fprintf(w, "\n=== Infrastructure Error ===\n%s\n", report.InfraError)
	}
}
