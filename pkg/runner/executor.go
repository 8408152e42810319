package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/opnlabs/dotmatrix/pkg/utils"
)

// ExecRequest is one step command. Env holds the job environment only;
// executors decide what, if anything, to add from the host.
type ExecRequest struct {
	Name        string
	Environment *Environment
	Command     string
	Dir         string
	Env         []string
	Stdout      io.Writer
	Stderr      io.Writer
	// HostNetwork is set when the job uses services bound on loopback.
	HostNetwork bool
}

// Executor runs step commands. A nonzero exit is reported through the exit
// code; the error is reserved for commands that could not run or were
// stopped by ctx.
type Executor interface {
	Exec(ctx context.Context, req ExecRequest) (int, error)
}

// HostPassthrough lists the host variables a shell step inherits.
var HostPassthrough = []string{"PATH", "HOME", "USER", "LANG", "LC_ALL", "TMPDIR", "TERM"}

// ShellExecutor runs steps with /bin/sh on the host, each in its own process
// group so a timeout kills everything the step started.
type ShellExecutor struct {
	Shell     string
	WaitDelay time.Duration
}

func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{Shell: defaultShell(), WaitDelay: 5 * time.Second}
}

func (s *ShellExecutor) Exec(ctx context.Context, req ExecRequest) (int, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, s.Shell, "/C", req.Command)
	} else {
		cmd = exec.CommandContext(ctx, s.Shell, "-c", req.Command)
	}
	cmd.Dir = req.Dir
	cmd.Env = hostEnv(req.Environment, req.Env)
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	utils.SetProcessGroup(cmd)
	cmd.Cancel = func() error { return utils.KillProcess(cmd) }
	cmd.WaitDelay = s.WaitDelay

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	return exitCode(err)
}

func defaultShell() string {
	if runtime.GOOS == "windows" {
		return "cmd"
	}
	return "/bin/sh"
}

// hostEnv prepends the passthrough variables to the job environment. The
// provisioned binary directory, if any, goes first on PATH.
func hostEnv(env *Environment, job []string) []string {
	out := make([]string, 0, len(HostPassthrough)+len(job))
	defined := make(map[string]bool, len(job))
	for _, kv := range job {
		k, _, _ := strings.Cut(kv, "=")
		defined[k] = true
	}

	for _, k := range HostPassthrough {
		if defined[k] {
			continue
		}
		v, ok := os.LookupEnv(k)
		if k == "PATH" && env != nil && env.PathPrefix != "" {
			if ok && v != "" {
				v = env.PathPrefix + string(os.PathListSeparator) + v
			} else {
				v = env.PathPrefix
			}
			ok = true
		}
		if ok {
			out = append(out, k+"="+v)
		}
	}
	return append(out, job...)
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
