package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

const WORKING_DIR = "/app"

type LogOptions struct {
	Stdout io.Writer
	Stderr io.Writer
}

// DockerRunner runs a single step command in a fresh container with the job
// workspace bind mounted at WORKING_DIR.
type DockerRunner struct {
	cli         *client.Client
	name        string
	image       string
	src         string
	env         []string
	cmd         string
	network     string
	containerID string
	logOptions  LogOptions
}

func NewDockerRunner(cli *client.Client, name string, logOptions LogOptions) *DockerRunner {
	if logOptions.Stdout == nil {
		logOptions.Stdout = io.Discard
	}
	if logOptions.Stderr == nil {
		logOptions.Stderr = logOptions.Stdout
	}

	return &DockerRunner{
		cli:        cli,
		name:       slug.Make(name + "-" + uuid.NewString()[:8]),
		logOptions: logOptions,
	}
}

func (d *DockerRunner) WithImage(image string) *DockerRunner {
	d.image = image
	return d
}

func (d *DockerRunner) WithSrc(src string) *DockerRunner {
	d.src = filepath.Clean(src)
	return d
}

func (d *DockerRunner) WithEnv(env []string) *DockerRunner {
	d.env = env
	return d
}

func (d *DockerRunner) WithCmd(cmd string) *DockerRunner {
	d.cmd = cmd
	return d
}

// WithNetwork sets the container network mode. Jobs with services use
// "host" so the loopback addresses of their services resolve.
func (d *DockerRunner) WithNetwork(mode string) *DockerRunner {
	d.network = mode
	return d
}

// Run returns the exit code of the step command. The container is always
// removed, also when ctx ends first.
func (d *DockerRunner) Run(ctx context.Context) (int, error) {
	if d.image == "" {
		return -1, fmt.Errorf("no image to create container %s", d.name)
	}

	hostConfig := &container.HostConfig{NetworkMode: container.NetworkMode(d.network)}
	if d.src != "" {
		src, err := filepath.Abs(d.src)
		if err != nil {
			return -1, fmt.Errorf("unable to resolve workspace for %s: %v", d.name, err)
		}
		hostConfig.Mounts = []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: src,
				Target: WORKING_DIR,
			},
		}
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Env:        d.env,
		Cmd:        []string{"/bin/sh", "-c", d.cmd},
		WorkingDir: WORKING_DIR,
	}, hostConfig, nil, nil, d.name)
	if err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("unable to create container %s: %v", d.name, err)
	}
	d.containerID = resp.ID
	defer d.cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})

	statusCh, errCh := d.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNextExit)

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("unable to start container %s: %v", d.name, err)
	}

	logs, err := d.cli.ContainerLogs(ctx, resp.ID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("unable to attach logs for %s: %v", d.name, err)
	}
	defer logs.Close()

	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(d.logOptions.Stdout, d.logOptions.Stderr, logs)
		copied <- err
	}()

	select {
	case status := <-statusCh:
		if err := <-copied; err != nil && !errors.Is(err, io.EOF) {
			return -1, fmt.Errorf("unable to read container logs from %s: %v", d.name, err)
		}
		if status.Error != nil {
			return -1, fmt.Errorf("container %s: %s", d.name, status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		logs.Close()
		<-copied
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		return -1, fmt.Errorf("error waiting for container %s to stop: %v", d.name, err)
	case <-ctx.Done():
		d.cli.ContainerKill(context.Background(), resp.ID, "SIGKILL")
		// The writers belong to the caller once Run returns.
		logs.Close()
		<-copied
		return -1, ctx.Err()
	}
}

// DockerExecutor runs every step in its own container from the image the
// job was provisioned with.
type DockerExecutor struct {
	cli *client.Client
}

func NewDockerExecutor(cli *client.Client) *DockerExecutor {
	return &DockerExecutor{cli: cli}
}

func (d *DockerExecutor) Exec(ctx context.Context, req ExecRequest) (int, error) {
	if req.Environment == nil || req.Environment.Image == "" {
		return -1, errors.New("docker executor needs a provisioned image")
	}
	r := NewDockerRunner(d.cli, "dotmatrix-"+req.Name, LogOptions{Stdout: req.Stdout, Stderr: req.Stderr}).
		WithImage(req.Environment.Image).
		WithSrc(req.Dir).
		WithEnv(req.Env).
		WithCmd(req.Command)
	if req.HostNetwork {
		r = r.WithNetwork("host")
	}
	return r.Run(ctx)
}
