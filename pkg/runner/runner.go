// Package runner executes one matrix job: it provisions the interpreter,
// starts the job's services, and runs the setup, install, test and success
// steps against a private copy of the source tree.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/opnlabs/dotmatrix/pkg/models"
	"github.com/opnlabs/dotmatrix/pkg/services"
	"github.com/opnlabs/dotmatrix/pkg/store"
	"github.com/opnlabs/dotmatrix/pkg/utils"
	"go.uber.org/zap"
)

const DefaultStepTimeout = 10 * time.Minute

// DefaultSkip lists directories never copied into a job workspace.
var DefaultSkip = []string{".dotmatrix", ".git"}

type Options struct {
	Executor    Executor
	Provisioner Provisioner
	// Supervisor may be nil when no job uses services.
	Supervisor *services.Supervisor
	// Logs is required.
	Logs *store.LogStore
	// WorkDir holds one workspace directory per job.
	WorkDir string
	// Source is copied into every workspace. Empty means an empty workspace.
	Source      string
	Skip        []string
	StepTimeout time.Duration
	// Output receives the live, name prefixed step output of every job.
	Output        io.Writer
	KeepWorkspace bool
}

type JobRunner struct {
	opts   Options
	logger *zap.Logger
}

func New(opts Options, logger *zap.Logger) *JobRunner {
	if opts.Executor == nil {
		opts.Executor = NewShellExecutor()
	}
	if opts.Provisioner == nil {
		opts.Provisioner = &LocalProvisioner{}
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.Skip == nil {
		opts.Skip = DefaultSkip
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobRunner{opts: opts, logger: logger}
}

// job is the mutable state of one Run call.
type job struct {
	spec    models.JobSpec
	result  models.JobResult
	env     *Environment
	environ []string
	dir     string
	console *utils.ColorLogger
	logger  *zap.Logger
}

// Run executes spec and always returns a result, also when ctx is cancelled
// or the environment could not be prepared. Services acquired for the job
// are released before Run returns.
func (r *JobRunner) Run(ctx context.Context, spec models.JobSpec) models.JobResult {
	start := time.Now()
	j := &job{
		spec:   spec,
		result: models.NewJobResult(spec),
		logger: r.logger.With(zap.String("job", spec.ID)),
	}
	j.result.Status = models.StatusPass
	if r.opts.Output != nil {
		j.console = utils.NewColorLogger(spec.ID, r.opts.Output, true)
		defer j.console.Flush()
	}

	r.run(ctx, j)

	j.result.Duration = time.Since(start)
	j.result.DurationMS = j.result.Duration.Milliseconds()
	j.logger.Info("job finished",
		zap.String("status", string(j.result.Status)),
		zap.Duration("duration", j.result.Duration))
	return j.result
}

func (r *JobRunner) run(ctx context.Context, j *job) {
	if ctx.Err() != nil {
		j.interrupt(models.StatusCancelled, models.ErrCancelled)
		return
	}
	j.logger.Info("job started", zap.String("interpreter", j.spec.Interpreter), zap.String("overlay", j.result.Overlay))

	env, err := r.opts.Provisioner.Provision(ctx, j.spec.Interpreter)
	if err != nil {
		j.setupFailed(ctx, err)
		return
	}
	j.env = env

	var serviceEnv []models.EnvVar
	if len(j.spec.Services) > 0 {
		if r.opts.Supervisor == nil {
			j.setupFailed(ctx, &models.ServiceStartError{Service: j.spec.Services[0], Err: errors.New("no service launcher configured")})
			return
		}
		scope := r.opts.Supervisor.NewScope(j.spec.ID)
		defer r.opts.Supervisor.Release(scope)
		if _, err := r.opts.Supervisor.Acquire(ctx, scope, j.spec.Services); err != nil {
			j.setupFailed(ctx, err)
			return
		}
		serviceEnv = scope.Env()
	}

	dir, err := r.workspace(j.spec)
	if err != nil {
		j.setupFailed(ctx, &models.ProvisionError{Interpreter: j.spec.Interpreter, Err: err})
		return
	}
	if !r.opts.KeepWorkspace {
		defer os.RemoveAll(dir)
	}
	j.dir = dir

	j.environ = j.spec.Environ()
	for _, v := range serviceEnv {
		j.environ = append(j.environ, v.String())
	}
	for _, v := range env.Env {
		j.environ = append(j.environ, v.String())
	}

	r.runPhases(ctx, j)
}

func (r *JobRunner) workspace(spec models.JobSpec) (string, error) {
	dir := filepath.Join(r.opts.WorkDir, spec.Slug())
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("could not clean workspace %s: %w", dir, err)
	}
	if r.opts.Source == "" {
		return dir, os.MkdirAll(dir, 0755)
	}
	if err := os.MkdirAll(r.opts.WorkDir, 0755); err != nil {
		return "", err
	}
	if err := utils.TarCopy(r.opts.Source, dir, r.opts.WorkDir, r.opts.Skip...); err != nil {
		return "", fmt.Errorf("could not copy source into workspace: %w", err)
	}
	return dir, nil
}

// runPhases applies the step policy: a failing setup or install step, a
// fatal test step, a timeout or a cancellation ends the job and the steps
// after it are skipped. Success steps only run for a passing job and never
// change its status.
func (r *JobRunner) runPhases(ctx context.Context, j *job) {
	aborted := false
	idx := 0
	for _, phase := range []models.Phase{models.PhaseSetup, models.PhaseInstall, models.PhaseTest} {
		prevPassed := true
		for n, step := range j.spec.Steps(phase) {
			i := idx
			idx++
			if aborted || (step.NeedsPrevious && !prevPassed) {
				prevPassed = false
				continue
			}

			sr := r.runStep(ctx, j, phase, n+1, step)
			j.result.Steps[i] = sr
			prevPassed = sr.Status == models.StatusPass

			switch sr.Status {
			case models.StatusPass:
			case models.StatusCancelled:
				j.result.Status = models.StatusCancelled
				j.result.Incomplete = true
				j.result.Error = models.ErrCancelled.Error()
				aborted = true
			case models.StatusTimeout:
				j.fail(sr)
				j.result.Incomplete = true
				aborted = true
			default:
				j.fail(sr)
				if phase != models.PhaseTest || step.Fatal {
					aborted = true
				}
			}
		}
	}

	if aborted || j.result.Status != models.StatusPass {
		return
	}

	prevPassed := true
	for n, step := range j.spec.Success {
		i := idx
		idx++
		if step.NeedsPrevious && !prevPassed {
			prevPassed = false
			continue
		}
		sr := r.runStep(ctx, j, models.PhaseSuccess, n+1, step)
		j.result.Steps[i] = sr
		prevPassed = sr.Status == models.StatusPass
		if sr.Status != models.StatusPass {
			j.logger.Warn("success step failed", zap.String("step", sr.Name), zap.String("status", string(sr.Status)))
		}
		if sr.Status == models.StatusCancelled {
			return
		}
	}
}

func (r *JobRunner) runStep(ctx context.Context, j *job, phase models.Phase, n int, step models.Step) (sr models.StepResult) {
	sr = models.StepResult{Name: step.DisplayName(), Phase: phase}
	start := time.Now()
	defer func() {
		sr.Duration = time.Since(start)
		sr.DurationMS = sr.Duration.Milliseconds()
	}()

	if ctx.Err() != nil {
		sr.Status = models.StatusCancelled
		sr.ExitCode = -1
		sr.Error = models.ErrCancelled.Error()
		return sr
	}

	w, ref, err := r.opts.Logs.Create(j.spec.Slug(), phase, n, sr.Name)
	if err != nil {
		sr.Status = models.StatusFail
		sr.ExitCode = -1
		sr.Error = (&models.StepFailure{Step: sr.Name, ExitCode: -1, Err: err}).Error()
		return sr
	}
	defer w.Close()
	sr.Log = ref

	var out io.Writer = w
	if j.console != nil {
		out = io.MultiWriter(w, j.console)
	}
	fmt.Fprintf(out, "$ %s\n", step.Run)

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = r.opts.StepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	j.logger.Debug("running step", zap.String("phase", string(phase)), zap.String("step", sr.Name), zap.Duration("timeout", timeout))
	code, err := r.opts.Executor.Exec(stepCtx, ExecRequest{
		Name:        j.spec.ID + "-" + string(phase),
		Environment: j.env,
		Command:     step.Run,
		Dir:         j.dir,
		Env:         j.environ,
		Stdout:      out,
		Stderr:      out,
		HostNetwork: len(j.spec.Services) > 0,
	})
	sr.ExitCode = code

	switch {
	case ctx.Err() != nil:
		sr.Status = models.StatusCancelled
		sr.Error = models.ErrCancelled.Error()
	case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		sr.Status = models.StatusTimeout
		sr.Error = (&models.StepFailure{Step: sr.Name, ExitCode: code, Timeout: true}).Error()
		fmt.Fprintf(out, "step timed out after %s\n", timeout)
	case err != nil:
		sr.Status = models.StatusFail
		sr.Error = (&models.StepFailure{Step: sr.Name, ExitCode: code, Err: err}).Error()
	case code != 0:
		sr.Status = models.StatusFail
		sr.Error = (&models.StepFailure{Step: sr.Name, ExitCode: code}).Error()
	default:
		sr.Status = models.StatusPass
	}
	return sr
}

// fail records the first failing step as the cause of a failed job.
func (j *job) fail(sr models.StepResult) {
	if j.result.Status == models.StatusFail {
		return
	}
	j.result.Status = models.StatusFail
	j.result.ExitCode = sr.ExitCode
	j.result.Error = sr.Error
}

// setupFailed ends a job whose environment or services could not be made
// ready. A cancelled context wins over the error it caused.
func (j *job) setupFailed(ctx context.Context, err error) {
	if ctx.Err() != nil {
		j.interrupt(models.StatusCancelled, models.ErrCancelled)
		return
	}
	j.logger.Error("job environment failed", zap.Error(err))
	j.interrupt(models.StatusInfraError, err)
}

func (j *job) interrupt(status models.Status, err error) {
	j.result.Status = status
	j.result.Incomplete = true
	j.result.ExitCode = -1
	j.result.Error = err.Error()
}
