package pipeline

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/opnlabs/dotmatrix/pkg/config"
	"github.com/opnlabs/dotmatrix/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func settings(t *testing.T) *config.Settings {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "README.rst"), []byte("mezmorize\n"), 0644))

	return &config.Settings{
		Concurrency: 2,
		WorkDir:     filepath.Join(dir, "work"),
		LogDir:      filepath.Join(dir, "logs"),
		Source:      src,
		StepTimeout: time.Minute,
		Services: config.ServiceSettings{
			Launcher:       "process",
			StartupTimeout: time.Second,
			Grace:          time.Second,
		},
		Report: config.ReportSettings{Format: "text"},
	}
}

func parse(t *testing.T, contents string) *models.PipelineConfig {
	t.Helper()
	cfg, err := config.ParsePipeline([]byte(contents), ".")
	require.NoError(t, err)
	return cfg
}

const matrixPipeline = `
interpreters: ["2.7", "3.6"]
env:
  global: [CACHE=memcached]
  matrix:
    optional: [OPTIONAL=true, OPTIONAL=false]
install:
  - test -f README.rst
test:
  - name: required
    run: test "$OPTIONAL" = false
  - name: environment
    run: test "$CACHE" = memcached && test -n "$DOTMATRIX_INTERPRETER"
`

func TestRunMatrix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("steps are POSIX shell commands")
	}
	var console bytes.Buffer
	p := New(parse(t, matrixPipeline), settings(t), zaptest.NewLogger(t)).WithConsole(&console)

	res, err := p.Run(context.Background(), models.RunMetadata{Event: "push", Branch: "master"})
	require.NoError(t, err)

	assert.NotEmpty(t, res.Metadata.RunID)
	assert.Equal(t, []string{"2.7", "3.6"}, res.Metadata.Interpreters)
	assert.Equal(t, models.StatusFail, res.Status)
	assert.Equal(t, models.ExitTestFailure, res.ExitCode())

	require.Len(t, res.Jobs, 4)
	want := []struct {
		id     string
		status models.Status
	}{
		{"2.7-0", models.StatusFail},
		{"2.7-1", models.StatusPass},
		{"3.6-0", models.StatusFail},
		{"3.6-1", models.StatusPass},
	}
	for i, w := range want {
		assert.Equal(t, w.id, res.Jobs[i].JobID)
		assert.Equal(t, w.status, res.Jobs[i].Status, w.id)
		env, ok := res.Jobs[i].Step(models.PhaseTest, "environment")
		require.True(t, ok)
		assert.Equal(t, models.StatusPass, env.Status, w.id)
	}
	assert.Contains(t, console.String(), "$ test -f README.rst")
}

func TestRunAllowFailures(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("steps are POSIX shell commands")
	}
	cfg := parse(t, matrixPipeline+`
allow_failures:
  - env: OPTIONAL=true
notifications:
  - name: on pass
    when: {status: pass, branch: master}
    targets: [{type: log}]
  - name: on failure
    when: {status: fail}
    targets: [{type: log}]
`)

	res, err := New(cfg, settings(t), zaptest.NewLogger(t)).Run(context.Background(), models.RunMetadata{Branch: "master"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusPass, res.Status)
	assert.Equal(t, models.ExitPass, res.ExitCode())
	assert.True(t, res.Jobs[0].Optional)
	assert.Equal(t, models.StatusFail, res.Jobs[0].Status)
	assert.Equal(t, []models.FiredNotification{{Rule: "on pass", Target: "log", Delivered: true}}, res.Notifications)
}

func TestRunExcludedBranch(t *testing.T) {
	cfg := parse(t, matrixPipeline+`
branches:
  except: [features, "wip/*"]
`)
	res, err := New(cfg, settings(t), zaptest.NewLogger(t)).Run(context.Background(), models.RunMetadata{Branch: "wip/cache"})
	require.NoError(t, err)

	assert.Equal(t, models.StatusSkipped, res.Status)
	assert.Empty(t, res.Jobs)
	assert.Equal(t, models.ExitPass, res.ExitCode())
}

func TestRunConfigError(t *testing.T) {
	cfg := parse(t, `
interpreters: ["3.6"]
env:
  global:
    - {key: CACHE, value: redis, locked: true}
  matrix:
    cache: [CACHE=memcached]
test: [make test]
`)
	_, err := New(cfg, settings(t), zaptest.NewLogger(t)).Run(context.Background(), models.RunMetadata{})
	var cerr *models.ConfigError
	require.True(t, errors.As(err, &cerr))
}

func TestRunAborted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New(parse(t, matrixPipeline), settings(t), zaptest.NewLogger(t)).Run(ctx, models.RunMetadata{})
	require.NoError(t, err)

	assert.Equal(t, models.StatusAborted, res.Status)
	assert.Equal(t, models.ExitAborted, res.ExitCode())
	require.Len(t, res.Jobs, 4)
	for _, j := range res.Jobs {
		assert.Equal(t, models.StatusCancelled, j.Status)
	}
}

func TestRunUnknownServiceIsInfraError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("steps are POSIX shell commands")
	}
	cfg := parse(t, `
interpreters: ["3.6"]
services: [mongodb]
test: ["true"]
`)
	res, err := New(cfg, settings(t), zaptest.NewLogger(t)).Run(context.Background(), models.RunMetadata{})
	require.NoError(t, err)

	require.Len(t, res.Jobs, 1)
	assert.Equal(t, models.StatusInfraError, res.Jobs[0].Status)
	assert.Equal(t, models.ExitInfraFailure, res.ExitCode())
}

func TestRunCollidingSlugsGetOwnWorkspaces(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("steps are POSIX shell commands")
	}
	cfg := parse(t, `
interpreters: ["3.6", "3-6"]
test:
  - echo "$DOTMATRIX_INTERPRETER" > mine
  - sleep 0.3
  - test "$(cat mine)" = "$DOTMATRIX_INTERPRETER"
`)
	res, err := New(cfg, settings(t), zaptest.NewLogger(t)).Run(context.Background(), models.RunMetadata{})
	require.NoError(t, err)

	require.Len(t, res.Jobs, 2)
	for _, j := range res.Jobs {
		assert.Equal(t, models.StatusPass, j.Status, j.JobID)
	}
	assert.Equal(t, models.StatusPass, res.Status)
	assert.NotEqual(t, res.Jobs[0].Steps[0].Log, res.Jobs[1].Steps[0].Log)
}
