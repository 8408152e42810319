// Package services starts the auxiliary daemons a job needs (memcached,
// redis, ...) and guarantees they are stopped when the job ends.
package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opnlabs/dotmatrix/pkg/models"
	"go.uber.org/zap"
)

const (
	DefaultStartupTimeout = 30 * time.Second
	DefaultGrace          = 10 * time.Second
)

// Definition describes how to run one service. Command and Env values may
// use the {host}, {port} and {addr} placeholders, which are replaced once
// the service has an address.
type Definition struct {
	Image   string            `mapstructure:"image"`
	Port    int               `mapstructure:"port"`
	Command []string          `mapstructure:"command"`
	Env     map[string]string `mapstructure:"env"`
}

// DefaultCatalog holds the cache daemons most pipelines ask for. The env
// names are the ones common memcached and redis clients read.
var DefaultCatalog = map[string]Definition{
	"memcached": {
		Image:   "memcached:1.6-alpine",
		Port:    11211,
		Command: []string{"memcached", "-l", "{host}", "-p", "{port}"},
		Env:     map[string]string{"MEMCACHE_SERVERS": "{addr}"},
	},
	"redis": {
		Image:   "redis:7-alpine",
		Port:    6379,
		Command: []string{"redis-server", "--bind", "{host}", "--port", "{port}"},
		Env:     map[string]string{"REDIS_URL": "redis://{addr}"},
	},
}

// Launcher starts service instances.
type Launcher interface {
	Start(ctx context.Context, name string, def Definition) (Instance, error)
}

// Instance is one running service.
type Instance interface {
	Addr() string
	// Stop asks the service to exit and waits until it has or ctx is done.
	Stop(ctx context.Context) error
	// Kill terminates the service immediately and frees what it holds.
	Kill(ctx context.Context) error
}

// Probe reports whether the service at addr accepts clients.
type Probe func(ctx context.Context, addr string) error

// TCPProbe dials addr once.
func TCPProbe(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

type Options struct {
	Catalog        map[string]Definition
	StartupTimeout time.Duration
	Grace          time.Duration
	Probe          Probe
}

// Supervisor owns the services of every running job. Each job gets its own
// Scope; nothing is shared between scopes.
type Supervisor struct {
	launcher       Launcher
	catalog        map[string]Definition
	startupTimeout time.Duration
	grace          time.Duration
	probe          Probe
	logger         *zap.Logger
}

func NewSupervisor(launcher Launcher, opts Options, logger *zap.Logger) *Supervisor {
	catalog := make(map[string]Definition, len(DefaultCatalog)+len(opts.Catalog))
	for k, v := range DefaultCatalog {
		catalog[k] = v
	}
	for k, v := range opts.Catalog {
		catalog[k] = v
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Probe == nil {
		opts.Probe = TCPProbe
	}
	return &Supervisor{
		launcher:       launcher,
		catalog:        catalog,
		startupTimeout: opts.StartupTimeout,
		grace:          opts.Grace,
		probe:          opts.Probe,
		logger:         logger,
	}
}

// Handle is a running service owned by one scope.
type Handle struct {
	Service  string
	inst     Instance
	env      []models.EnvVar
	released bool
}

func (h *Handle) Addr() string { return h.inst.Addr() }

// Env is what the job needs to reach the service.
func (h *Handle) Env() []models.EnvVar { return h.env }

// Scope groups the handles of one job.
type Scope struct {
	ID      string
	mu      sync.Mutex
	handles map[string]*Handle
	order   []*Handle
}

func (s *Supervisor) NewScope(id string) *Scope {
	return &Scope{ID: id, handles: make(map[string]*Handle)}
}

// Handles returns the live handles in start order.
func (sc *Scope) Handles() []*Handle {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	var out []*Handle
	for _, h := range sc.order {
		if !h.released {
			out = append(out, h)
		}
	}
	return out
}

// Env is the combined environment of the live handles.
func (sc *Scope) Env() []models.EnvVar {
	var env []models.EnvVar
	for _, h := range sc.Handles() {
		env = append(env, h.Env()...)
	}
	return env
}

// Acquire starts the named services in scope and waits until each one is
// ready. Names already running in the scope return the existing handle. If
// any service fails to become ready, everything already started in the
// scope is released and a *models.ServiceStartError is returned.
func (s *Supervisor) Acquire(ctx context.Context, scope *Scope, names []string) ([]*Handle, error) {
	handles := make([]*Handle, 0, len(names))
	for _, name := range names {
		h, err := s.acquire(ctx, scope, name)
		if err != nil {
			s.Release(scope)
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

func (s *Supervisor) acquire(ctx context.Context, scope *Scope, name string) (*Handle, error) {
	scope.mu.Lock()
	defer scope.mu.Unlock()

	if h, ok := scope.handles[name]; ok && !h.released {
		return h, nil
	}

	def, ok := s.catalog[name]
	if !ok {
		return nil, &models.ServiceStartError{Service: name, Err: errors.New("service is not defined in the catalog")}
	}

	logger := s.logger.With(zap.String("job", scope.ID), zap.String("service", name))
	startCtx, cancel := context.WithTimeout(ctx, s.startupTimeout)
	defer cancel()

	logger.Debug("Starting service")
	inst, err := s.launcher.Start(startCtx, name, def)
	if err != nil {
		return nil, &models.ServiceStartError{Service: name, Err: err}
	}

	if err := s.waitReady(startCtx, inst.Addr()); err != nil {
		logger.Warn("Service did not become ready", zap.String("addr", inst.Addr()), zap.Error(err))
		s.stop(logger, inst)
		return nil, &models.ServiceStartError{Service: name, Err: err}
	}
	logger.Info("Service ready", zap.String("addr", inst.Addr()))

	h := &Handle{Service: name, inst: inst, env: expandEnv(def.Env, inst.Addr())}
	scope.handles[name] = h
	scope.order = append(scope.order, h)
	return h, nil
}

func (s *Supervisor) waitReady(ctx context.Context, addr string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = s.probe(ctx, addr); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("not ready at %s: %w (last probe: %v)", addr, ctx.Err(), lastErr)
		case <-ticker.C:
		}
	}
}

// Release stops every live handle of scope, newest first. It never fails:
// stop errors are logged because they must not hide the job's own result.
// Releasing a scope twice does nothing the second time.
func (s *Supervisor) Release(scope *Scope) {
	scope.mu.Lock()
	var pending []*Handle
	for i := len(scope.order) - 1; i >= 0; i-- {
		if h := scope.order[i]; !h.released {
			h.released = true
			pending = append(pending, h)
		}
	}
	scope.mu.Unlock()

	for _, h := range pending {
		s.stop(s.logger.With(zap.String("job", scope.ID), zap.String("service", h.Service)), h.inst)
	}
}

// stop asks for a graceful shutdown and kills the instance when that fails
// or the grace period runs out. It runs on its own context, so a cancelled
// job still stops its services.
func (s *Supervisor) stop(logger *zap.Logger, inst Instance) {
	graceCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	err := inst.Stop(graceCtx)
	cancel()
	if err == nil {
		logger.Debug("Service stopped")
		return
	}

	logger.Warn("Graceful stop failed, killing service", zap.Error(err))
	killCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()
	if err := inst.Kill(killCtx); err != nil {
		logger.Error("Unable to kill service", zap.Error(err))
	}
}

func expandEnv(tmpl map[string]string, addr string) []models.EnvVar {
	keys := make([]string, 0, len(tmpl))
	for k := range tmpl {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]models.EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, models.EnvVar{Key: k, Value: Placeholders(addr).Replace(tmpl[k])})
	}
	return env
}

// Placeholders returns a replacer for {host}, {port} and {addr}.
func Placeholders(addr string) *strings.Replacer {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return strings.NewReplacer("{host}", host, "{port}", port, "{addr}", addr)
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
