package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/opnlabs/dotmatrix/pkg/models"
	"go.uber.org/zap"
)

const DefaultTimeout = 10 * time.Second

// Message is what a notifier delivers.
type Message struct {
	Rule    string                `json:"rule"`
	Summary string                `json:"summary"`
	Result  models.PipelineResult `json:"result"`
}

// Notifier delivers a message to one target, best effort.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

type LogNotifier struct {
	logger *zap.Logger
}

func (l *LogNotifier) Notify(ctx context.Context, msg Message) error {
	l.logger.Info(msg.Summary,
		zap.String("rule", msg.Rule),
		zap.String("run_id", msg.Result.Metadata.RunID),
		zap.String("status", string(msg.Result.Status)))
	return nil
}

// WebhookNotifier posts the message as JSON.
type WebhookNotifier struct {
	client *http.Client
	url    string
}

func (w *WebhookNotifier) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("could not encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("could not post to %s: %w", w.url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook %s answered %s", w.url, resp.Status)
	}
	return nil
}

// CommandNotifier runs a shell command with the run summary in its
// environment.
type CommandNotifier struct {
	command string
	output  io.Writer
}

func (c *CommandNotifier) Notify(ctx context.Context, msg Message) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", c.command)
	cmd.Env = append(os.Environ(),
		"DOTMATRIX_RULE="+msg.Rule,
		"DOTMATRIX_SUMMARY="+msg.Summary,
		"DOTMATRIX_STATUS="+string(msg.Result.Status),
		"DOTMATRIX_RUN_ID="+msg.Result.Metadata.RunID,
		"DOTMATRIX_BRANCH="+msg.Result.Metadata.Branch,
		"DOTMATRIX_EXIT_CODE="+strconv.Itoa(msg.Result.ExitCode()),
	)
	cmd.Stdout = c.output
	cmd.Stderr = c.output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("notification command failed: %w", err)
	}
	return nil
}

// Dispatcher fires rules. Delivery failures are logged and recorded, never
// returned.
type Dispatcher struct {
	logger *zap.Logger
	client *http.Client
	output io.Writer
}

func NewDispatcher(logger *zap.Logger, output io.Writer) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if output == nil {
		output = io.Discard
	}
	return &Dispatcher{
		logger: logger,
		client: &http.Client{},
		output: output,
	}
}

func (d *Dispatcher) notifier(t models.Target) (Notifier, error) {
	switch t.Type {
	case "log":
		return &LogNotifier{logger: d.logger}, nil
	case "webhook":
		return &WebhookNotifier{client: d.client, url: t.URL}, nil
	case "command":
		return &CommandNotifier{command: t.Command, output: d.output}, nil
	}
	return nil, fmt.Errorf("unknown notification target type %q", t.Type)
}

// Fire evaluates every rule against the result and delivers to the targets
// of the rules that match. A rule whose predicates do not all hold fires
// nothing.
func (d *Dispatcher) Fire(ctx context.Context, result models.PipelineResult, rules []Rule) []models.FiredNotification {
	facts := Facts{Meta: result.Metadata, Result: result}
	summary := Summary(result)

	fired := []models.FiredNotification{}
	for _, rule := range rules {
		logger := d.logger.With(zap.String("rule", rule.Name))
		if !rule.Matches(facts) {
			logger.Debug("notification conditions not met")
			continue
		}

		msg := Message{Rule: rule.Name, Summary: summary, Result: result}
		for _, target := range rule.Targets {
			f := models.FiredNotification{Rule: rule.Name, Target: target.String(), Delivered: true}
			if err := d.deliver(ctx, target, msg); err != nil {
				logger.Warn("notification not delivered", zap.String("target", f.Target), zap.Error(err))
				f.Delivered = false
				f.Error = err.Error()
			}
			fired = append(fired, f)
		}
	}
	return fired
}

func (d *Dispatcher) deliver(ctx context.Context, target models.Target, msg Message) error {
	n, err := d.notifier(target)
	if err != nil {
		return err
	}
	timeout := target.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return n.Notify(ctx, msg)
}
