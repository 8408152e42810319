package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/opnlabs/dotmatrix/pkg/models"
	"golang.org/x/sync/singleflight"
)

// Environment is a ready to use interpreter environment for one job.
type Environment struct {
	Interpreter string
	// Image is the container image steps run in (docker executor).
	Image string
	// PathPrefix is put in front of PATH (shell executor).
	PathPrefix string
	Env        []models.EnvVar
}

// Provisioner prepares the interpreter environment of a job. Failures are
// *models.ProvisionError and only fail the affected job.
type Provisioner interface {
	Provision(ctx context.Context, interpreter string) (*Environment, error)
}

func render(name, tmpl, interpreter string) (string, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var b bytes.Buffer
	if err := t.Execute(&b, struct{ Interpreter string }{interpreter}); err != nil {
		return "", err
	}
	return b.String(), nil
}

// LocalProvisioner resolves an interpreter binary on the host PATH, e.g.
// "python{{.Interpreter}}" for "3.6" finds python3.6. An empty Binary
// provisions nothing and always succeeds.
type LocalProvisioner struct {
	Binary string
}

func (l *LocalProvisioner) Provision(ctx context.Context, interpreter string) (*Environment, error) {
	env := &Environment{Interpreter: interpreter}
	if l.Binary == "" {
		return env, nil
	}

	name, err := render("binary", l.Binary, interpreter)
	if err != nil {
		return nil, &models.ProvisionError{Interpreter: interpreter, Err: err}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, &models.ProvisionError{Interpreter: interpreter, Err: err}
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	env.PathPrefix = filepath.Dir(path)
	env.Env = []models.EnvVar{{Key: "DOTMATRIX_INTERPRETER_BIN", Value: path}}
	return env, nil
}

// DockerProvisioner renders the pipeline image template for an interpreter
// and pulls the image. Concurrent jobs asking for the same image share one
// pull.
type DockerProvisioner struct {
	cli    *client.Client
	image  string
	auth   string
	output io.Writer
	pulls  singleflight.Group
}

func NewDockerProvisioner(cli *client.Client, imageTemplate string, output io.Writer) *DockerProvisioner {
	if output == nil {
		output = io.Discard
	}
	return &DockerProvisioner{cli: cli, image: imageTemplate, output: output}
}

// WithCredentials sets the registry credentials used for pulls.
func (d *DockerProvisioner) WithCredentials(username, password string) *DockerProvisioner {
	if username == "" {
		return d
	}
	auth, err := registry.EncodeAuthConfig(registry.AuthConfig{Username: username, Password: password})
	if err == nil {
		d.auth = auth
	}
	return d
}

func (d *DockerProvisioner) Provision(ctx context.Context, interpreter string) (*Environment, error) {
	image, err := render("image", d.image, interpreter)
	if err != nil {
		return nil, &models.ProvisionError{Interpreter: interpreter, Err: err}
	}

	_, err, _ = d.pulls.Do(image, func() (interface{}, error) {
		reader, err := d.cli.ImagePull(ctx, image, types.ImagePullOptions{RegistryAuth: d.auth})
		if err != nil {
			return nil, fmt.Errorf("unable to pull image %s: %w", image, err)
		}
		defer reader.Close()
		if _, err := io.Copy(d.output, reader); err != nil {
			return nil, fmt.Errorf("unable to read image pull logs for %s: %w", image, err)
		}
		return nil, nil
	})
	if err != nil {
		return nil, &models.ProvisionError{Interpreter: interpreter, Err: err}
	}

	return &Environment{Interpreter: interpreter, Image: image}, nil
}
