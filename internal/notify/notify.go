// Package notify delivers device-local notifications about sync outcomes.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"sort"
	"strings"
	"time"

	syncp "github.com/njoerd114/reportrelay/internal/sync"
)

// Notifier delivers a single notification. Implementations swallow and
// log their own failures.
type Notifier interface {
	Notify(ctx context.Context, title, body string, data map[string]string)
}

// Log writes notifications to a structured logger.
type Log struct {
	log *slog.Logger
}

// NewLog returns a Notifier that logs at info level.
func NewLog(logger *slog.Logger) *Log {
	return &Log{log: logger}
}

// Notify implements Notifier.
func (l *Log) Notify(_ context.Context, title, body string, data map[string]string) {
	args := []any{"title", title, "body", body}
	for _, k := range sortedKeys(data) {
		args = append(args, k, data[k])
	}
	l.log.Info("notification", args...)
}

// Desktop shows notifications through the operating system: osascript on
// macOS, notify-send elsewhere.
type Desktop struct {
	log     *slog.Logger
	goos    string
	timeout time.Duration
	run     func(ctx context.Context, name string, args ...string) error
}

// NewDesktop returns a Notifier for the current platform.
func NewDesktop(logger *slog.Logger) *Desktop {
	return &Desktop{
		log:     logger,
		goos:    runtime.GOOS,
		timeout: 5 * time.Second,
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
	}
}

// Notify implements Notifier.
func (d *Desktop) Notify(ctx context.Context, title, body string, _ map[string]string) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	name, args := d.command(title, body)
	if err := d.run(ctx, name, args...); err != nil {
		d.log.Warn("desktop notification failed", "command", name, "error", err)
	}
}

func (d *Desktop) command(title, body string) (string, []string) {
	if d.goos == "darwin" {
		script := fmt.Sprintf("display notification %s with title %s", appleScriptString(body), appleScriptString(title))
		return "osascript", []string{"-e", script}
	}
	return "notify-send", []string{"--app-name=reportrelay", title, body}
}

func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// Multi fans a notification out to several notifiers in order.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, title, body string, data map[string]string) {
	for _, n := range m {
		n.Notify(ctx, title, body, data)
	}
}

// Sink turns scheduler outcomes into a single summary notification per pass.
type Sink struct {
	n Notifier
}

// NewSink returns an OutcomeSink that forwards to n.
func NewSink(n Notifier) *Sink {
	return &Sink{n: n}
}

// PassCompleted implements [syncp.OutcomeSink].
func (s *Sink) PassCompleted(ctx context.Context, o syncp.Outcome) {
	if o.Kind == syncp.Empty {
		return
	}
	title, body := Summary(o)
	s.n.Notify(ctx, title, body, map[string]string{
		"outcome":   o.Kind.String(),
		"succeeded": fmt.Sprint(o.Succeeded),
		"failed":    fmt.Sprint(o.Failed),
	})
}

// Summary renders the user-facing title and body for an outcome. It never
// includes error details.
func Summary(o syncp.Outcome) (title, body string) {
	switch o.Kind {
	case syncp.AllSucceeded:
		return "Reports synced", fmt.Sprintf("%d %s uploaded.", o.Succeeded, plural(o.Succeeded))
	case syncp.AllFailed:
		return "Sync failed", fmt.Sprintf("%d %s could not be uploaded and will be retried.", o.Failed, plural(o.Failed))
	case syncp.Partial:
		return "Sync partially complete", fmt.Sprintf("%d succeeded, %d failed. Failed reports will be retried.", o.Succeeded, o.Failed)
	default:
		return "Nothing to sync", "All reports are up to date."
	}
}

func plural(n int) string {
	if n == 1 {
		return "report"
	}
	return "reports"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
