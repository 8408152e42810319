package config

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/opnlabs/dotmatrix/pkg/services"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Settings configure the engine itself, as opposed to the pipeline it runs.
// Precedence: flags, DOTMATRIX_* environment, settings file, defaults.
type Settings struct {
	Concurrency int              `mapstructure:"concurrency"`
	WorkDir     string           `mapstructure:"work_dir"`
	LogDir      string           `mapstructure:"log_dir"`
	Source      string           `mapstructure:"source"`
	Executor    string           `mapstructure:"executor"`
	StepTimeout time.Duration    `mapstructure:"step_timeout"`
	Quiet       bool             `mapstructure:"quiet"`
	Verbose     bool             `mapstructure:"verbose"`
	Services    ServiceSettings  `mapstructure:"services"`
	Report      ReportSettings   `mapstructure:"report"`
	Registry    RegistrySettings `mapstructure:"registry"`
	Provision   ProvisionConfig  `mapstructure:"provision"`
}

type ServiceSettings struct {
	Launcher       string                         `mapstructure:"launcher"`
	StartupTimeout time.Duration                  `mapstructure:"startup_timeout"`
	Grace          time.Duration                  `mapstructure:"grace"`
	Catalog        map[string]services.Definition `mapstructure:"catalog"`
}

type ReportSettings struct {
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type RegistrySettings struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type ProvisionConfig struct {
	// Binary is a template such as "python{{.Interpreter}}" resolved on PATH
	// by the shell executor. Empty disables the lookup.
	Binary string `mapstructure:"binary"`
}

// flagKeys maps command line flags to settings keys.
var flagKeys = map[string]string{
	"concurrency":       "concurrency",
	"work-dir":          "work_dir",
	"log-dir":           "log_dir",
	"source":            "source",
	"executor":          "executor",
	"step-timeout":      "step_timeout",
	"quiet":             "quiet",
	"verbose":           "verbose",
	"service-launcher":  "services.launcher",
	"report-format":     "report.format",
	"report-file":       "report.file",
	"registry-username": "registry.username",
	"registry-password": "registry.password",
	"provision-binary":  "provision.binary",
}

// Load reads the settings file at path, or dotmatrix.yaml in the working
// directory and $HOME/.dotmatrix when path is empty. A missing file is not
// an error.
func Load(path string, flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dotmatrix")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.dotmatrix")
	}

	v.SetDefault("concurrency", runtime.NumCPU())
	v.SetDefault("work_dir", ".dotmatrix/work")
	v.SetDefault("log_dir", ".dotmatrix/logs")
	v.SetDefault("source", ".")
	v.SetDefault("executor", "")
	v.SetDefault("step_timeout", 10*time.Minute)
	v.SetDefault("quiet", false)
	v.SetDefault("verbose", false)
	v.SetDefault("services.launcher", "docker")
	v.SetDefault("services.startup_timeout", 30*time.Second)
	v.SetDefault("services.grace", 10*time.Second)
	v.SetDefault("report.format", "text")
	v.SetDefault("report.file", "")
	v.SetDefault("registry.username", "")
	v.SetDefault("registry.password", "")
	v.SetDefault("provision.binary", "")

	v.SetEnvPrefix("DOTMATRIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("could not bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || path != "" {
			return nil, fmt.Errorf("error reading settings file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("error unmarshaling settings: %w", err)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) validate() error {
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	switch s.Executor {
	case "", "shell", "docker":
	default:
		return fmt.Errorf("invalid executor %q: must be 'shell' or 'docker'", s.Executor)
	}
	switch s.Services.Launcher {
	case "docker", "process":
	default:
		return fmt.Errorf("invalid service launcher %q: must be 'docker' or 'process'", s.Services.Launcher)
	}
	switch s.Report.Format {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("invalid report format %q: must be 'text', 'json' or 'yaml'", s.Report.Format)
	}

	// viper lower cases every key, env names included.
	for name, def := range s.Services.Catalog {
		env := make(map[string]string, len(def.Env))
		for k, v := range def.Env {
			env[strings.ToUpper(k)] = v
		}
		def.Env = env
		s.Services.Catalog[name] = def
	}
	return nil
}
