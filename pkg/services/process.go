package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"

	"github.com/opnlabs/dotmatrix/pkg/utils"
)

// ProcessLauncher runs services as local daemons. Each instance listens on
// a free loopback port so parallel jobs never collide.
type ProcessLauncher struct {
	Host   string
	Output io.Writer
}

func NewProcessLauncher(output io.Writer) *ProcessLauncher {
	return &ProcessLauncher{Host: "127.0.0.1", Output: output}
}

func (p *ProcessLauncher) Start(ctx context.Context, name string, def Definition) (Instance, error) {
	if len(def.Command) == 0 {
		return nil, fmt.Errorf("service %s has no command to run", name)
	}
	port, err := freePort(p.Host)
	if err != nil {
		return nil, fmt.Errorf("unable to reserve a port for %s: %w", name, err)
	}
	addr := hostPort(p.Host, port)

	r := Placeholders(addr)
	args := make([]string, len(def.Command))
	for i, a := range def.Command {
		args[i] = r.Replace(a)
	}

	path, err := exec.LookPath(args[0])
	if err != nil {
		return nil, fmt.Errorf("unable to find %s: %w", args[0], err)
	}

	cmd := exec.Command(path, args[1:]...)
	cmd.Stdout = p.Output
	cmd.Stderr = p.Output
	utils.SetProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("unable to start %s: %w", name, err)
	}

	inst := &processInstance{cmd: cmd, addr: addr, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(inst.done)
	}()
	return inst, nil
}

type processInstance struct {
	cmd  *exec.Cmd
	addr string
	done chan struct{}
	once sync.Once
}

func (p *processInstance) Addr() string { return p.addr }

func (p *processInstance) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := utils.TerminateProcess(p.cmd); err != nil {
		return fmt.Errorf("unable to signal %s: %w", p.addr, err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *processInstance) Kill(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		err = utils.KillProcess(p.cmd)
	})
	if err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return errors.New("process did not exit after kill")
	}
}

func freePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
