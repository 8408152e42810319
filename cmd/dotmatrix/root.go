package dotmatrix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opnlabs/dotmatrix/pkg/config"
	"github.com/opnlabs/dotmatrix/pkg/models"
	"github.com/opnlabs/dotmatrix/pkg/pipeline"
	"github.com/opnlabs/dotmatrix/pkg/report"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	pipelineFile string
	settingsFile string
	envVars      []string
	branch       string
	event        string
	commitSHA    string
)

var rootCmd = &cobra.Command{
	Use:   "dotmatrix",
	Short: "Dotmatrix runs a CI build matrix locally",
	Long: `Dotmatrix reads a pipeline file ( default .dotmatrix.yml ) listing interpreters,
environment overlays, services and steps. It runs one job per interpreter and overlay,
concurrently, as shell commands on the host or inside docker containers, and reports
the result of every job.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(run(cmd))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&pipelineFile, "file", "f", config.DefaultPipelineFile, "Path to the pipeline file.")
	rootCmd.PersistentFlags().StringVar(&settingsFile, "config", "", "Path to the settings file ( default ./dotmatrix.yaml or $HOME/.dotmatrix/dotmatrix.yaml )")
	rootCmd.PersistentFlags().StringArrayVarP(&envVars, "environment-variable", "e", make([]string, 0), "Global environment variables. KEY=VALUE")

	flags := rootCmd.Flags()
	flags.IntP("concurrency", "j", 0, "Maximum number of jobs running at once ( default number of CPUs )")
	flags.String("work-dir", ".dotmatrix/work", "Directory for job workspaces")
	flags.String("log-dir", ".dotmatrix/logs", "Directory for step logs")
	flags.String("source", ".", "Source tree copied into every job workspace")
	flags.String("executor", "", "Step executor, shell or docker ( default from the pipeline file )")
	flags.Duration("step-timeout", 10*time.Minute, "Default timeout of a step")
	flags.BoolP("quiet", "q", false, "Do not stream step output")
	flags.BoolP("verbose", "v", false, "Debug logging")
	flags.String("service-launcher", "docker", "How services are started, docker or process")
	flags.StringP("report-format", "o", "text", "Report format: text, json or yaml")
	flags.String("report-file", "", "Also write the report to this file")
	flags.StringP("registry-username", "u", "", "Username for the container registry")
	flags.StringP("registry-password", "p", "", "Password / Token for the container registry")
	flags.String("provision-binary", "", "Interpreter binary template resolved on PATH, e.g. python{{.Interpreter}}")

	flags.StringVar(&branch, "branch", "", "Branch the run is for, used by branch filters and notifications")
	flags.StringVar(&event, "event", "manual", "Event that triggered the run: push, pull_request, manual or cron")
	flags.StringVar(&commitSHA, "commit", "", "Commit the run is for")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(expandCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(models.ExitConfigError)
	}
}

func newLogger(settings *config.Settings) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true
	cfg.Sampling = nil
	switch {
	case settings.Verbose:
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case settings.Quiet:
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return cfg.Build()
}

// loadPipeline reads the pipeline file and adds the -e variables to its
// global environment.
func loadPipeline() (*models.PipelineConfig, error) {
	cfg, err := config.LoadPipeline(pipelineFile)
	if err != nil {
		return nil, err
	}
	for _, v := range envVars {
		kv, err := models.ParseAssignment(v)
		if err != nil {
			return nil, &models.ConfigError{Field: "environment-variable", Err: err}
		}
		cfg.Env.Global = append(cfg.Env.Global, models.Variable{Key: kv.Key, Value: kv.Value})
	}
	return cfg, nil
}

func run(cmd *cobra.Command) int {
	settings, err := config.Load(settingsFile, cmd.Flags())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return models.ExitConfigError
	}

	logger, err := newLogger(settings)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return models.ExitInfraFailure
	}
	defer logger.Sync()

	cfg, err := loadPipeline()
	if err != nil {
		logger.Error("invalid pipeline", zap.String("file", pipelineFile), zap.Error(err))
		return models.ExitConfigError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var console io.Writer = cmd.OutOrStdout()
	if settings.Quiet {
		console = nil
	}
	result, err := pipeline.New(cfg, settings, logger).
		WithConsole(console).
		Run(ctx, models.RunMetadata{Event: event, Branch: branch, Commit: commitSHA})
	if err != nil {
		var cerr *models.ConfigError
		if errors.As(err, &cerr) {
			logger.Error("invalid pipeline", zap.String("file", pipelineFile), zap.Error(err))
			return models.ExitConfigError
		}
		logger.Error("could not run pipeline", zap.Error(err))
		return models.ExitInfraFailure
	}

	if err := report.Write(cmd.OutOrStdout(), result, settings.Report.Format); err != nil {
		logger.Error("could not write report", zap.Error(err))
	}
	if settings.Report.File != "" {
		if err := report.WriteFile(settings.Report.File, result, settings.Report.Format); err != nil {
			logger.Error("could not write report file", zap.String("file", settings.Report.File), zap.Error(err))
		}
	}
	return result.ExitCode()
}
