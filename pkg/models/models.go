package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"gopkg.in/yaml.v3"
)

type Phase string

const (
	PhaseSetup   Phase = "setup"
	PhaseInstall Phase = "install"
	PhaseTest    Phase = "test"
	PhaseSuccess Phase = "success"
)

// Phases lists the step groups in execution order.
var Phases = []Phase{PhaseSetup, PhaseInstall, PhaseTest, PhaseSuccess}

type Executor string

const (
	ExecutorShell  Executor = "shell"
	ExecutorDocker Executor = "docker"
)

// PipelineConfig is the parsed pipeline file. It is never modified after
// config.LoadPipeline returns it.
type PipelineConfig struct {
	Name          string             `yaml:"name"`
	Interpreters  []string           `yaml:"interpreters" validate:"required,min=1,unique,dive,required"`
	Executor      Executor           `yaml:"executor" validate:"omitempty,oneof=shell docker"`
	Image         string             `yaml:"image" validate:"required_if=Executor docker"`
	Timeout       time.Duration      `yaml:"timeout" validate:"gte=0"`
	Env           Env                `yaml:"env"`
	EnvFiles      []string           `yaml:"env_files"`
	Services      []string           `yaml:"services" validate:"unique"`
	Setup         []Step             `yaml:"setup" validate:"dive"`
	Install       []Step             `yaml:"install" validate:"dive"`
	Test          []Step             `yaml:"test" validate:"required,min=1,dive"`
	Success       []Step             `yaml:"success" validate:"dive"`
	Branches      Branches           `yaml:"branches"`
	AllowFailures []AllowFailure     `yaml:"allow_failures" validate:"dive"`
	Notifications []NotificationRule `yaml:"notifications" validate:"dive"`
}

// Steps returns the configured steps of one phase.
func (p *PipelineConfig) Steps(phase Phase) []Step {
	switch phase {
	case PhaseSetup:
		return p.Setup
	case PhaseInstall:
		return p.Install
	case PhaseTest:
		return p.Test
	case PhaseSuccess:
		return p.Success
	}
	return nil
}

type Env struct {
	Global []Variable `yaml:"global" validate:"dive"`
	// Axis names the matrix entry used for the overlay axis. It may be
	// omitted when Matrix holds exactly one axis.
	Axis   string               `yaml:"axis"`
	Matrix map[string][]Overlay `yaml:"matrix"`
}

// Variable is a global environment assignment. A locked variable cannot be
// overridden by an overlay.
type Variable struct {
	Key    string `yaml:"key" validate:"required"`
	Value  string `yaml:"value"`
	Locked bool   `yaml:"locked"`
}

// UnmarshalYAML accepts both KEY=VALUE strings and {key, value, locked} maps.
func (v *Variable) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		kv, err := ParseAssignment(node.Value)
		if err != nil {
			return err
		}
		v.Key, v.Value = kv.Key, kv.Value
		return nil
	}
	if err := knownKeys(node, "key", "value", "locked"); err != nil {
		return err
	}
	type plain Variable
	return node.Decode((*plain)(v))
}

// Overlay is one value of the matrix axis: an ordered list of KEY=VALUE
// assignments. In YAML it is either a list or a single whitespace separated
// string, the way Travis writes env matrix rows.
type Overlay []string

func (o *Overlay) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*o = strings.Fields(node.Value)
		return nil
	}
	var items []string
	if err := node.Decode(&items); err != nil {
		return err
	}
	*o = items
	return nil
}

type Step struct {
	Name    string        `yaml:"name"`
	Run     string        `yaml:"run" validate:"required"`
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	// NeedsPrevious makes the step run only if the step before it in the
	// same phase passed.
	NeedsPrevious bool `yaml:"needs_previous"`
	// Fatal stops the remaining test steps when this step fails.
	Fatal bool `yaml:"fatal"`
}

func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		s.Run = node.Value
		return nil
	}
	if err := knownKeys(node, "name", "run", "timeout", "needs_previous", "fatal"); err != nil {
		return err
	}
	type plain Step
	return node.Decode((*plain)(s))
}

// knownKeys rejects mapping keys outside keys. node.Decode does not carry
// the decoder's KnownFields setting into custom unmarshalers.
func knownKeys(node *yaml.Node, keys ...string) error {
	if node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i < len(node.Content); i += 2 {
		k := node.Content[i]
		found := false
		for _, known := range keys {
			if k.Value == known {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("line %d: field %s not found in %s", k.Line, k.Value, strings.Join(keys, ", "))
		}
	}
	return nil
}

// DisplayName is the step name, or its command when unnamed.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Run
}

type Branches struct {
	Except []string `yaml:"except"`
	Only   []string `yaml:"only"`
}

// AllowFailure marks the jobs it matches as optional. Empty fields match
// anything.
type AllowFailure struct {
	Interpreter string `yaml:"interpreter"`
	Env         string `yaml:"env"`
}

type NotificationRule struct {
	Name    string     `yaml:"name" validate:"required"`
	When    Conditions `yaml:"when"`
	Targets []Target   `yaml:"targets" validate:"required,min=1,dive"`
}

type Conditions struct {
	Status      string `yaml:"status" validate:"omitempty,oneof=pass fail always"`
	Branch      string `yaml:"branch"`
	Event       string `yaml:"event"`
	Interpreter string `yaml:"interpreter"`
}

type Target struct {
	Type    string        `yaml:"type" validate:"required,oneof=log webhook command"`
	URL     string        `yaml:"url" validate:"required_if=Type webhook"`
	Command string        `yaml:"command" validate:"required_if=Type command"`
	Timeout time.Duration `yaml:"timeout"`
}

func (t Target) String() string {
	switch t.Type {
	case "webhook":
		return "webhook:" + t.URL
	case "command":
		return "command:" + t.Command
	}
	return t.Type
}

type EnvVar struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

func (e EnvVar) String() string {
	return e.Key + "=" + e.Value
}

// ParseAssignment splits KEY=VALUE. The value may itself contain '='.
func ParseAssignment(s string) (EnvVar, error) {
	key, value, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return EnvVar{}, fmt.Errorf("variables should be defined as KEY=VALUE: %q", s)
	}
	return EnvVar{Key: key, Value: value}, nil
}

// JobSpec is one cell of the matrix. It is passed by value and never
// modified once the expander has built it.
type JobSpec struct {
	ID           string
	Index        int
	Interpreter  string
	OverlayIndex int
	Overlay      []EnvVar
	Env          []EnvVar
	Setup        []Step
	Install      []Step
	Test         []Step
	Success      []Step
	Services     []string
	Optional     bool
}

// Environ renders the merged environment as KEY=VALUE strings.
func (j JobSpec) Environ() []string {
	env := make([]string, 0, len(j.Env))
	for _, v := range j.Env {
		env = append(env, v.String())
	}
	return env
}

// Slug names the job's workspace and log directory. IDs are unique but
// their slugs are not ("3.6" and "3-6"), so the matrix index leads.
func (j JobSpec) Slug() string {
	return fmt.Sprintf("%03d-%s", j.Index, slug.Make(j.ID))
}

// OverlayString renders the overlay the way it is written in the pipeline
// file, e.g. "OPTIONAL=true".
func (j JobSpec) OverlayString() string {
	parts := make([]string, 0, len(j.Overlay))
	for _, v := range j.Overlay {
		parts = append(parts, v.String())
	}
	return strings.Join(parts, " ")
}

func (j JobSpec) Steps(phase Phase) []Step {
	switch phase {
	case PhaseSetup:
		return j.Setup
	case PhaseInstall:
		return j.Install
	case PhaseTest:
		return j.Test
	case PhaseSuccess:
		return j.Success
	}
	return nil
}

// RunMetadata describes the triggering event of a run.
type RunMetadata struct {
	RunID  string `json:"run_id" yaml:"run_id"`
	Event  string `json:"event" yaml:"event"`
	Branch string `json:"branch" yaml:"branch"`
	Commit string `json:"commit,omitempty" yaml:"commit,omitempty"`
	// Interpreters are the interpreters of the pipeline, in file order.
	Interpreters []string `json:"interpreters" yaml:"interpreters"`
}
