// Package config loads the pipeline file and the engine settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/opnlabs/dotmatrix/pkg/models"
	"gopkg.in/yaml.v3"
)

const DefaultPipelineFile = ".dotmatrix.yml"

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadPipeline reads, decodes and validates a pipeline file. Env files
// named in the pipeline are resolved relative to the file's directory.
// Every failure is a *models.ConfigError.
func LoadPipeline(path string) (*models.PipelineConfig, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, &models.ConfigError{Field: path, Err: err}
	}
	return ParsePipeline(contents, filepath.Dir(path))
}

func ParsePipeline(contents []byte, baseDir string) (*models.PipelineConfig, error) {
	var cfg models.PipelineConfig
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, models.NewConfigError("", "pipeline file is empty")
		}
		return nil, &models.ConfigError{Err: err}
	}

	if cfg.Executor == "" {
		cfg.Executor = models.ExecutorShell
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, validationError(err)
	}

	if len(cfg.EnvFiles) > 0 {
		global, err := loadEnvFiles(baseDir, cfg.EnvFiles)
		if err != nil {
			return nil, err
		}
		// Explicit global entries come last so they win over env files.
		cfg.Env.Global = append(global, cfg.Env.Global...)
	}

	return &cfg, nil
}

func loadEnvFiles(baseDir string, files []string) ([]models.Variable, error) {
	var vars []models.Variable
	for _, f := range files {
		path := f
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, f)
		}
		env, err := godotenv.Read(path)
		if err != nil {
			return nil, &models.ConfigError{Field: "env_files", Err: fmt.Errorf("could not read %s: %w", f, err)}
		}
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			vars = append(vars, models.Variable{Key: k, Value: env[k]})
		}
	}
	return vars, nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &models.ConfigError{Err: err}
	}
	first := verrs[0]
	if len(verrs) == 1 {
		return models.NewConfigError(first.Namespace(), "failed on the '%s' rule", first.Tag())
	}
	return models.NewConfigError(first.Namespace(), "failed on the '%s' rule (and %d more)", first.Tag(), len(verrs)-1)
}
