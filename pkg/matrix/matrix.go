// Package matrix expands a pipeline configuration into the full cross
// product of interpreters and environment overlays.
package matrix

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/opnlabs/dotmatrix/pkg/models"
)

// Variables derived from the matrix cell and added to every job's
// environment after the global and overlay variables.
const (
	EnvInterpreter = "DOTMATRIX_INTERPRETER"
	EnvJobID       = "DOTMATRIX_JOB_ID"
	EnvJobIndex    = "DOTMATRIX_JOB_INDEX"
)

// Expand returns one JobSpec per (interpreter, overlay) pair. The outer loop
// runs over interpreters and the inner loop over overlays, so the order is
// the same for every run of the same file. A configuration without overlays
// expands against a single empty overlay.
func Expand(cfg *models.PipelineConfig) ([]models.JobSpec, error) {
	if len(cfg.Interpreters) == 0 {
		return nil, models.NewConfigError("interpreters", "at least one interpreter is required")
	}
	seen := make(map[string]bool, len(cfg.Interpreters))
	for _, in := range cfg.Interpreters {
		if strings.TrimSpace(in) == "" {
			return nil, models.NewConfigError("interpreters", "empty interpreter identifier")
		}
		if seen[in] {
			return nil, models.NewConfigError("interpreters", "interpreter %s is listed twice", in)
		}
		seen[in] = true
	}

	global, locked := globals(cfg.Env.Global)

	overlays, err := Overlays(cfg.Env)
	if err != nil {
		return nil, err
	}
	for j, ov := range overlays {
		for _, v := range ov {
			if locked[v.Key] {
				return nil, models.NewConfigError(fmt.Sprintf("env.matrix[%d]", j),
					"overlay overrides locked global variable %s", v.Key)
			}
		}
	}

	specs := make([]models.JobSpec, 0, len(cfg.Interpreters)*len(overlays))
	for _, interpreter := range cfg.Interpreters {
		for j, ov := range overlays {
			id := fmt.Sprintf("%s-%d", interpreter, j)
			index := len(specs)

			env := merge(global, ov)
			env = merge(env, []models.EnvVar{
				{Key: EnvInterpreter, Value: interpreter},
				{Key: EnvJobID, Value: id},
				{Key: EnvJobIndex, Value: strconv.Itoa(index)},
			})

			spec := models.JobSpec{
				ID:           id,
				Index:        index,
				Interpreter:  interpreter,
				OverlayIndex: j,
				Overlay:      append([]models.EnvVar(nil), ov...),
				Env:          env,
				Setup:        copySteps(cfg.Setup),
				Install:      copySteps(cfg.Install),
				Test:         copySteps(cfg.Test),
				Success:      copySteps(cfg.Success),
				Services:     append([]string(nil), cfg.Services...),
			}
			spec.Optional = optional(spec, cfg.AllowFailures)
			specs = append(specs, spec)
		}
	}

	return specs, nil
}

// Overlays parses the selected matrix axis. It returns a single empty
// overlay when no axis is configured.
func Overlays(env models.Env) ([][]models.EnvVar, error) {
	rows, err := axisRows(env)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return [][]models.EnvVar{nil}, nil
	}

	overlays := make([][]models.EnvVar, 0, len(rows))
	for j, row := range rows {
		field := fmt.Sprintf("env.matrix[%d]", j)
		vars, err := ParseAssignments(row)
		if err != nil {
			return nil, &models.ConfigError{Field: field, Err: err}
		}
		keys := make(map[string]bool, len(vars))
		for _, v := range vars {
			if keys[v.Key] {
				return nil, models.NewConfigError(field, "variable %s is assigned twice", v.Key)
			}
			keys[v.Key] = true
		}
		overlays = append(overlays, vars)
	}
	return overlays, nil
}

func axisRows(env models.Env) ([]models.Overlay, error) {
	if env.Axis != "" {
		rows, ok := env.Matrix[env.Axis]
		if !ok {
			return nil, models.NewConfigError("env.axis", "axis %s is not defined in env.matrix", env.Axis)
		}
		return rows, nil
	}

	switch len(env.Matrix) {
	case 0:
		return nil, nil
	case 1:
		for _, rows := range env.Matrix {
			return rows, nil
		}
	}

	axes := make([]string, 0, len(env.Matrix))
	for k := range env.Matrix {
		axes = append(axes, k)
	}
	sort.Strings(axes)
	return nil, models.NewConfigError("env.axis", "env.matrix defines %d axes (%s), name one with env.axis",
		len(axes), strings.Join(axes, ", "))
}

// ParseAssignments parses an ordered list of KEY=VALUE strings.
func ParseAssignments(list []string) ([]models.EnvVar, error) {
	vars := make([]models.EnvVar, 0, len(list))
	for _, s := range list {
		v, err := models.ParseAssignment(s)
		if err != nil {
			return nil, err
		}
		vars = append(vars, v)
	}
	return vars, nil
}

func globals(vars []models.Variable) ([]models.EnvVar, map[string]bool) {
	locked := make(map[string]bool)
	env := make([]models.EnvVar, 0, len(vars))
	for _, v := range vars {
		if v.Locked {
			locked[v.Key] = true
		}
		env = merge(env, []models.EnvVar{{Key: v.Key, Value: v.Value}})
	}
	return env, locked
}

// merge returns base with over applied on top. A key already in base keeps
// its position and takes the new value; new keys are appended in order.
func merge(base, over []models.EnvVar) []models.EnvVar {
	out := append(make([]models.EnvVar, 0, len(base)+len(over)), base...)
	pos := make(map[string]int, len(out))
	for i, v := range out {
		pos[v.Key] = i
	}
	for _, v := range over {
		if i, ok := pos[v.Key]; ok {
			out[i].Value = v.Value
			continue
		}
		pos[v.Key] = len(out)
		out = append(out, v)
	}
	return out
}

func optional(spec models.JobSpec, rules []models.AllowFailure) bool {
	for _, r := range rules {
		if r.Interpreter != "" && r.Interpreter != spec.Interpreter {
			continue
		}
		if r.Env != "" && !overlayContains(spec.Overlay, strings.Fields(r.Env)) {
			continue
		}
		return true
	}
	return false
}

func overlayContains(overlay []models.EnvVar, assignments []string) bool {
	have := make(map[string]bool, len(overlay))
	for _, v := range overlay {
		have[v.String()] = true
	}
	for _, a := range assignments {
		if !have[a] {
			return false
		}
	}
	return true
}

func copySteps(steps []models.Step) []models.Step {
	if len(steps) == 0 {
		return nil
	}
	return append([]models.Step(nil), steps...)
}
