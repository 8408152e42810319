package runner

import (
	"bytes"
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Test struct {
	Name        string
	Script      string
	Env         []string
	Timeout     time.Duration
	Expectation func(*testing.T, int, error, *bytes.Buffer)
}

func dockerClient(t *testing.T) *client.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping docker test in short mode")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		t.Skip("docker client unavailable:", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		t.Skip("docker daemon unavailable:", err)
	}
	return cli
}

func TestDockerExecutor(t *testing.T) {
	cli := dockerClient(t)
	defer cli.Close()

	ctx := context.Background()
	env, err := NewDockerProvisioner(cli, "docker.io/alpine:{{.Interpreter}}", nil).Provision(ctx, "3.19")
	require.NoError(t, err)
	assert.Equal(t, "docker.io/alpine:3.19", env.Image)

	tests := []Test{
		{
			Name:        "Test Image",
			Script:      "cat /etc/os-release",
			Expectation: testImageOutput,
		},
		{
			Name:        "Test Variables",
			Script:      "echo $TESTING_VARIABLE",
			Env:         []string{"TESTING_VARIABLE=TESTING"},
			Expectation: testVariableOutput,
		},
		{
			Name:   "Test Exit Code",
			Script: "echo TESTING >&2; exit 7",
			Expectation: func(t *testing.T, code int, err error, b *bytes.Buffer) {
				require.NoError(t, err)
				assert.Equal(t, 7, code)
				testVariableOutput(t, 0, nil, b)
			},
		},
		{
			Name:    "Test Timeout",
			Script:  "sleep 30",
			Timeout: 2 * time.Second,
			Expectation: func(t *testing.T, code int, err error, b *bytes.Buffer) {
				assert.ErrorIs(t, err, context.DeadlineExceeded)
				assert.Equal(t, -1, code)
			},
		},
	}

	exec := NewDockerExecutor(cli)
	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			var b bytes.Buffer
			timeout := time.Minute
			if test.Timeout > 0 {
				timeout = test.Timeout
			}
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			code, err := exec.Exec(runCtx, ExecRequest{
				Name:        test.Name,
				Environment: env,
				Command:     test.Script,
				Dir:         t.TempDir(),
				Env:         test.Env,
				Stdout:      &b,
				Stderr:      &b,
			})
			test.Expectation(t, code, err, &b)
		})
	}
}

func testImageOutput(t *testing.T, code int, err error, b *bytes.Buffer) {
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, b.String(), `NAME="Alpine Linux"`)
}

func testVariableOutput(t *testing.T, code int, err error, b *bytes.Buffer) {
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	str := regexp.MustCompile(`[^a-zA-Z0-9 ]+`).ReplaceAllString(b.String(), "")
	assert.Equal(t, "TESTING", strings.TrimSpace(str))
}

func TestDockerExecutorNeedsImage(t *testing.T) {
	_, err := NewDockerExecutor(nil).Exec(context.Background(), ExecRequest{Command: "true"})
	assert.Error(t, err)
}

func TestDockerExecutorTimeoutStopsOutput(t *testing.T) {
	cli := dockerClient(t)
	defer cli.Close()

	ctx := context.Background()
	env, err := NewDockerProvisioner(cli, "docker.io/alpine:{{.Interpreter}}", nil).Provision(ctx, "3.19")
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var b bytes.Buffer
	code, err := NewDockerExecutor(cli).Exec(runCtx, ExecRequest{
		Name:        "Test Streaming Timeout",
		Environment: env,
		Command:     "while true; do echo tick; sleep 0.05; done",
		Dir:         t.TempDir(),
		Stdout:      &b,
		Stderr:      &b,
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, code)

	b.WriteString("step timed out\n")
	time.Sleep(300 * time.Millisecond)
	assert.True(t, strings.HasSuffix(b.String(), "step timed out\n"))
	assert.Contains(t, b.String(), "tick")
}
