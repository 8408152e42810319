package services

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// DockerLauncher runs each service in its own container, publishing the
// service port on a random loopback port.
type DockerLauncher struct {
	cli    *client.Client
	output io.Writer
}

func NewDockerLauncher(cli *client.Client, output io.Writer) *DockerLauncher {
	if output == nil {
		output = io.Discard
	}
	return &DockerLauncher{cli: cli, output: output}
}

func (d *DockerLauncher) Start(ctx context.Context, name string, def Definition) (Instance, error) {
	if def.Image == "" || def.Port == 0 {
		return nil, fmt.Errorf("service %s needs an image and a port to run in docker", name)
	}
	containerName := slug.Make("dotmatrix-" + name + "-" + uuid.NewString()[:8])

	reader, err := d.cli.ImagePull(ctx, def.Image, types.ImagePullOptions{})
	if err != nil {
		return nil, fmt.Errorf("unable to pull image %s for %s: %w", def.Image, name, err)
	}
	_, err = io.Copy(d.output, reader)
	reader.Close()
	if err != nil {
		return nil, fmt.Errorf("unable to read image pull logs for %s: %w", name, err)
	}

	port, err := nat.NewPort("tcp", strconv.Itoa(def.Port))
	if err != nil {
		return nil, err
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:        def.Image,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1"}},
		},
	}, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("unable to create container %s: %w", containerName, err)
	}
	inst := &dockerInstance{cli: d.cli, id: resp.ID, name: containerName}

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		inst.Kill(context.Background())
		return nil, fmt.Errorf("unable to start container %s: %w", containerName, err)
	}

	info, err := d.cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		inst.Kill(context.Background())
		return nil, fmt.Errorf("unable to inspect container %s: %w", containerName, err)
	}
	bindings := info.NetworkSettings.Ports[port]
	if len(bindings) == 0 || bindings[0].HostPort == "" {
		inst.Kill(context.Background())
		return nil, fmt.Errorf("container %s has no published port for %s", containerName, port)
	}
	addr, err := publishedAddr(bindings[0])
	if err != nil {
		inst.Kill(context.Background())
		return nil, fmt.Errorf("container %s: %w", containerName, err)
	}
	inst.addr = addr

	return inst, nil
}

type dockerInstance struct {
	cli  *client.Client
	id   string
	name string
	addr string
}

func (d *dockerInstance) Addr() string { return d.addr }

func (d *dockerInstance) Stop(ctx context.Context) error {
	timeout := 0
	if deadline, ok := ctx.Deadline(); ok {
		timeout = int(time.Until(deadline) / time.Second)
	}
	if err := d.cli.ContainerStop(ctx, d.id, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("unable to stop container %s: %w", d.name, err)
	}
	if err := d.cli.ContainerRemove(ctx, d.id, types.ContainerRemoveOptions{}); err != nil {
		return fmt.Errorf("unable to remove container %s: %w", d.name, err)
	}
	return nil
}

func (d *dockerInstance) Kill(ctx context.Context) error {
	if err := d.cli.ContainerRemove(ctx, d.id, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("unable to remove container %s: %w", d.name, err)
	}
	return nil
}

func publishedAddr(b nat.PortBinding) (string, error) {
	port, err := strconv.Atoi(b.HostPort)
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid published port %q", b.HostPort)
	}
	return hostPort(b.HostIP, port), nil
}
