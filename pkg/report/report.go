// Package report renders a pipeline result for people (text) and for
// tools (json, yaml).
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/opnlabs/dotmatrix/pkg/models"
	"github.com/opnlabs/dotmatrix/pkg/notify"
	"gopkg.in/yaml.v3"
)

const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

func Write(w io.Writer, result models.PipelineResult, format string) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(result); err != nil {
			return err
		}
		return enc.Close()
	case FormatText, "":
		return writeText(w, result)
	}
	return fmt.Errorf("unknown report format %q", format)
}

// WriteFile writes the report to path, creating parent directories.
func WriteFile(path string, result models.PipelineResult, format string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create report file %s: %w", path, err)
	}
	if err := Write(f, result, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var statusColors = map[models.Status]*color.Color{
	models.StatusPass:       color.New(color.FgGreen),
	models.StatusFail:       color.New(color.FgRed),
	models.StatusTimeout:    color.New(color.FgRed),
	models.StatusInfraError: color.New(color.FgMagenta),
	models.StatusCancelled:  color.New(color.FgYellow),
	models.StatusAborted:    color.New(color.FgYellow),
	models.StatusSkipped:    color.New(color.FgWhite),
}

func colored(s models.Status) string {
	if c, ok := statusColors[s]; ok {
		return c.Sprint(s)
	}
	return string(s)
}

func writeText(w io.Writer, result models.PipelineResult) error {
	meta := result.Metadata
	fmt.Fprintf(w, "run %s", meta.RunID)
	if meta.Event != "" || meta.Branch != "" {
		fmt.Fprintf(w, " (%s on %s)", meta.Event, meta.Branch)
	}
	fmt.Fprintln(w)

	if len(result.Jobs) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		// Status is the last column, tabwriter counts color escapes as text.
		fmt.Fprintln(tw, "JOB\tINTERPRETER\tOVERLAY\tDURATION\tSTATUS")
		for _, j := range result.Jobs {
			status := colored(j.Status)
			if j.Optional {
				status += " (allowed)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.JobID, j.Interpreter, j.Overlay, j.Duration.Round(time.Millisecond), status)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	var failures []string
	for _, j := range result.Jobs {
		if j.Status == models.StatusPass {
			continue
		}
		line := fmt.Sprintf("  %s: %s", j.JobID, j.Error)
		for _, s := range j.Steps {
			if s.Status == models.StatusFail || s.Status == models.StatusTimeout {
				line += fmt.Sprintf(" (log: %s)", s.Log)
				break
			}
		}
		failures = append(failures, line)
	}
	if len(failures) > 0 {
		fmt.Fprintln(w, "failures:")
		for _, f := range failures {
			fmt.Fprintln(w, f)
		}
	}

	if len(result.Notifications) > 0 {
		fmt.Fprintln(w, "notifications:")
		for _, n := range result.Notifications {
			state := "delivered"
			if !n.Delivered {
				state = "failed: " + n.Error
			}
			fmt.Fprintf(w, "  %s -> %s %s\n", n.Rule, n.Target, state)
		}
	}

	_, err := fmt.Fprintf(w, "%s in %s\n", notify.Summary(result), result.Duration.Round(time.Millisecond))
	return err
}
