package models

import "time"

type Status string

const (
	StatusPass       Status = "pass"
	StatusFail       Status = "fail"
	StatusSkipped    Status = "skipped"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
	StatusInfraError Status = "infra-error"
	StatusAborted    Status = "aborted"
)

// Process exit codes of a run.
const (
	ExitPass         = 0
	ExitTestFailure  = 1
	ExitConfigError  = 2
	ExitInfraFailure = 3
	ExitAborted      = 130
)

// LogRef is the key of a captured step log in the log store. The log is
// only read when the caller opens it.
type LogRef string

type StepResult struct {
	Name       string        `json:"name" yaml:"name"`
	Phase      Phase         `json:"phase" yaml:"phase"`
	Status     Status        `json:"status" yaml:"status"`
	ExitCode   int           `json:"exit_code" yaml:"exit_code"`
	Log        LogRef        `json:"log,omitempty" yaml:"log,omitempty"`
	Duration   time.Duration `json:"-" yaml:"-"`
	DurationMS int64         `json:"duration_ms" yaml:"duration_ms"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
}

type JobResult struct {
	JobID       string        `json:"job_id" yaml:"job_id"`
	Index       int           `json:"index" yaml:"index"`
	Interpreter string        `json:"interpreter" yaml:"interpreter"`
	Overlay     string        `json:"overlay" yaml:"overlay"`
	Status      Status        `json:"status" yaml:"status"`
	Optional    bool          `json:"optional,omitempty" yaml:"optional,omitempty"`
	Incomplete  bool          `json:"incomplete,omitempty" yaml:"incomplete,omitempty"`
	ExitCode    int           `json:"exit_code" yaml:"exit_code"`
	Steps       []StepResult  `json:"steps" yaml:"steps"`
	Duration    time.Duration `json:"-" yaml:"-"`
	DurationMS  int64         `json:"duration_ms" yaml:"duration_ms"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewJobResult is the result of a job that has not run: every step is
// listed as skipped.
func NewJobResult(spec JobSpec) JobResult {
	res := JobResult{
		JobID:       spec.ID,
		Index:       spec.Index,
		Interpreter: spec.Interpreter,
		Overlay:     spec.OverlayString(),
		Status:      StatusSkipped,
		Optional:    spec.Optional,
	}
	for _, phase := range Phases {
		for _, step := range spec.Steps(phase) {
			res.Steps = append(res.Steps, StepResult{
				Name:   step.DisplayName(),
				Phase:  phase,
				Status: StatusSkipped,
			})
		}
	}
	return res
}

// Step returns the result of the named step in a phase.
func (j JobResult) Step(phase Phase, name string) (StepResult, bool) {
	for _, s := range j.Steps {
		if s.Phase == phase && s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// PhaseSteps returns the step results of one phase in execution order.
func (j JobResult) PhaseSteps(phase Phase) []StepResult {
	var out []StepResult
	for _, s := range j.Steps {
		if s.Phase == phase {
			out = append(out, s)
		}
	}
	return out
}

type FiredNotification struct {
	Rule      string `json:"rule" yaml:"rule"`
	Target    string `json:"target" yaml:"target"`
	Delivered bool   `json:"delivered" yaml:"delivered"`
	Error     string `json:"error,omitempty" yaml:"error,omitempty"`
}

type PipelineResult struct {
	Metadata      RunMetadata         `json:"metadata" yaml:"metadata"`
	Status        Status              `json:"status" yaml:"status"`
	Jobs          []JobResult         `json:"jobs" yaml:"jobs"`
	Notifications []FiredNotification `json:"notifications" yaml:"notifications"`
	StartedAt     time.Time           `json:"started_at" yaml:"started_at"`
	Duration      time.Duration       `json:"-" yaml:"-"`
	DurationMS    int64               `json:"duration_ms" yaml:"duration_ms"`
}

// ExitCode maps the overall status to a process exit code. A failed run
// whose only blocking failures are infrastructure errors gets
// ExitInfraFailure so it can be told apart from failing tests.
func (p PipelineResult) ExitCode() int {
	switch p.Status {
	case StatusPass, StatusSkipped:
		return ExitPass
	case StatusAborted:
		return ExitAborted
	}

	infra := false
	for _, j := range p.Jobs {
		if j.Optional || j.Status == StatusPass {
			continue
		}
		if j.Status != StatusInfraError {
			return ExitTestFailure
		}
		infra = true
	}
	if infra {
		return ExitInfraFailure
	}
	return ExitTestFailure
}
