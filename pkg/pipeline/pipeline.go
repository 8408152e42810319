// Package pipeline runs one pipeline end to end: expand the matrix, run the
// jobs, aggregate the results and fire notifications.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"github.com/opnlabs/dotmatrix/pkg/config"
	"github.com/opnlabs/dotmatrix/pkg/matrix"
	"github.com/opnlabs/dotmatrix/pkg/models"
	"github.com/opnlabs/dotmatrix/pkg/notify"
	"github.com/opnlabs/dotmatrix/pkg/runner"
	"github.com/opnlabs/dotmatrix/pkg/scheduler"
	"github.com/opnlabs/dotmatrix/pkg/services"
	"github.com/opnlabs/dotmatrix/pkg/store"
	"go.uber.org/zap"
)

type Pipeline struct {
	cfg      *models.PipelineConfig
	settings *config.Settings
	logger   *zap.Logger
	console  io.Writer
	docker   *client.Client
}

func New(cfg *models.PipelineConfig, settings *config.Settings, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, settings: settings, logger: logger}
}

// WithConsole streams the prefixed step output of every job to w.
func (p *Pipeline) WithConsole(w io.Writer) *Pipeline {
	p.console = w
	return p
}

// WithDockerClient sets the client used by the docker executor and service
// launcher. Without one a client is created from the environment when
// needed.
func (p *Pipeline) WithDockerClient(cli *client.Client) *Pipeline {
	p.docker = cli
	return p
}

// Run executes the pipeline. A *models.ConfigError or a failure to reach the
// container engine is returned as an error before any job starts; every
// other failure is part of the result. Cancelling ctx aborts the run.
func (p *Pipeline) Run(ctx context.Context, meta models.RunMetadata) (models.PipelineResult, error) {
	start := time.Now()
	if meta.RunID == "" {
		meta.RunID = uuid.NewString()
	}
	meta.Interpreters = append([]string(nil), p.cfg.Interpreters...)
	logger := p.logger.With(zap.String("run_id", meta.RunID))

	if !notify.BranchAllowed(meta, p.cfg.Branches.Except, p.cfg.Branches.Only) {
		logger.Info("branch excluded, skipping run", zap.String("branch", meta.Branch))
		return models.PipelineResult{
			Metadata:      meta,
			Status:        models.StatusSkipped,
			Jobs:          []models.JobResult{},
			Notifications: []models.FiredNotification{},
			StartedAt:     start,
		}, nil
	}

	specs, err := matrix.Expand(p.cfg)
	if err != nil {
		return models.PipelineResult{}, err
	}
	logger.Info("matrix expanded", zap.Int("jobs", len(specs)), zap.Int("concurrency", p.settings.Concurrency))

	logs, err := store.NewLogStore(filepath.Join(p.settings.LogDir, meta.RunID))
	if err != nil {
		return models.PipelineResult{}, err
	}

	jobRunner, closeDocker, err := p.jobRunner(specs, logs, logger)
	if err != nil {
		return models.PipelineResult{}, err
	}
	defer closeDocker()

	sched := scheduler.New(jobRunner, p.settings.Concurrency, logger)
	results := make([]models.JobResult, 0, len(specs))
	for res := range sched.Run(ctx, specs) {
		logger.Info("job result",
			zap.String("job", res.JobID),
			zap.String("status", string(res.Status)),
			zap.Int("done", len(results)+1),
			zap.Int("total", len(specs)))
		results = append(results, res)
	}
	stats := sched.Stats()
	logger.Debug("scheduler finished", zap.Int("max_concurrent", stats.MaxConcurrent), zap.Int("cancelled", stats.Cancelled))

	aborted := ctx.Err() != nil
	result := notify.Aggregate(results, meta, aborted)
	result.StartedAt = start

	dispatcher := notify.NewDispatcher(logger, p.console)
	result.Notifications = dispatcher.Fire(context.WithoutCancel(ctx), result, notify.RulesFromConfig(p.cfg.Notifications))

	result.Duration = time.Since(start)
	result.DurationMS = result.Duration.Milliseconds()
	return result, nil
}

func (p *Pipeline) jobRunner(specs []models.JobSpec, logs *store.LogStore, logger *zap.Logger) (*runner.JobRunner, func(), error) {
	executor := models.Executor(p.settings.Executor)
	if executor == "" {
		executor = p.cfg.Executor
	}
	needsServices := false
	for _, s := range specs {
		if len(s.Services) > 0 {
			needsServices = true
			break
		}
	}
	launcher := p.settings.Services.Launcher

	closeDocker := func() {}
	cli := p.docker
	if cli == nil && (executor == models.ExecutorDocker || (needsServices && launcher == "docker")) {
		c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, nil, fmt.Errorf("unable to create docker client: %w", err)
		}
		cli = c
		closeDocker = func() { c.Close() }
	}

	opts := runner.Options{
		Logs:        logs,
		WorkDir:     p.settings.WorkDir,
		Source:      p.settings.Source,
		StepTimeout: p.settings.StepTimeout,
		Output:      p.console,
	}
	if p.cfg.Timeout > 0 {
		opts.StepTimeout = p.cfg.Timeout
	}

	switch executor {
	case models.ExecutorDocker:
		if p.cfg.Image == "" {
			closeDocker()
			return nil, nil, models.NewConfigError("image", "the docker executor needs an image")
		}
		opts.Executor = runner.NewDockerExecutor(cli)
		opts.Provisioner = runner.NewDockerProvisioner(cli, p.cfg.Image, nil).
			WithCredentials(p.settings.Registry.Username, p.settings.Registry.Password)
	default:
		opts.Executor = runner.NewShellExecutor()
		opts.Provisioner = &runner.LocalProvisioner{Binary: p.settings.Provision.Binary}
	}

	if needsServices {
		var l services.Launcher
		if launcher == "process" {
			l = services.NewProcessLauncher(nil)
		} else {
			l = services.NewDockerLauncher(cli, nil)
		}
		opts.Supervisor = services.NewSupervisor(l, services.Options{
			Catalog:        p.settings.Services.Catalog,
			StartupTimeout: p.settings.Services.StartupTimeout,
			Grace:          p.settings.Services.Grace,
		}, logger)
	}

	return runner.New(opts, logger), closeDocker, nil
}
