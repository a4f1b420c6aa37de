// Package setup implements the first-run wizard and the background service
// install for ReportRelay.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var errNoInput = errors.New("no input")

// Prompter asks line-oriented questions on a terminal. The wizard runs it on
// stdin/stdout; tests feed it a string.
type Prompter struct {
	in  *bufio.Scanner
	out io.Writer
}

// NewPrompter reads answers from r and writes questions to w.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{in: bufio.NewScanner(r), out: w}
}

func (p *Prompter) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

// answer prints the question and returns the trimmed reply. ok is false on
// EOF.
func (p *Prompter) answer(question string) (reply string, ok bool) {
	p.printf("  %s: ", question)
	if !p.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.in.Text()), true
}

// String asks for a value, falling back to def on an empty reply. With no
// default the question repeats until something is typed.
func (p *Prompter) String(label, def string) string {
	question := label
	if def != "" {
		question = fmt.Sprintf("%s [%s]", label, def)
	}
	for {
		reply, ok := p.answer(question)
		switch {
		case !ok:
			return def
		case reply != "":
			return reply
		case def != "":
			return def
		}
		p.printf("  (required, please enter a value)\n")
	}
}

// Secret asks for a required key or token. Input is echoed.
func (p *Prompter) Secret(label string) string {
	return p.String(label, "")
}

// Duration asks for a Go duration within [lo, hi].
func (p *Prompter) Duration(label string, def, lo, hi time.Duration) time.Duration {
	question := fmt.Sprintf("%s (%s to %s)", label, lo, hi)
	for {
		d, err := time.ParseDuration(p.String(question, def.String()))
		if err == nil && d >= lo && d <= hi {
			return d
		}
		p.printf("  (enter a duration between %s and %s, e.g. 30s)\n", lo, hi)
	}
}

// Confirm asks a yes/no question; an empty reply or EOF picks defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	reply, ok := p.answer(label + " " + hint)
	if !ok || reply == "" {
		return defaultYes
	}
	switch strings.ToLower(reply) {
	case "y", "yes":
		return true
	}
	return false
}

// MultiSelect lists options and reads a comma-separated set of 1-based
// choices, returning zero-based indices. An empty reply selects nothing.
func (p *Prompter) MultiSelect(label string, options []string) ([]int, error) {
	if len(options) == 0 {
		return nil, errors.New("no options to select from")
	}
	p.printf("  %s:\n", label)
	for i, opt := range options {
		p.printf("    %d) %s\n", i+1, opt)
	}

	for {
		reply, ok := p.answer("Choices (comma-separated, e.g. 1,3; empty for none)")
		if !ok {
			return nil, errNoInput
		}
		if reply == "" {
			return nil, nil
		}
		if picked, err := parseChoices(reply, len(options)); err == nil {
			return picked, nil
		}
		p.printf("  (enter numbers between 1 and %d, separated by commas)\n", len(options))
	}
}

func parseChoices(reply string, n int) ([]int, error) {
	var picked []int
	for _, field := range strings.Split(reply, ",") {
		k, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || k < 1 || k > n {
			return nil, fmt.Errorf("choice %q out of range", field)
		}
		picked = append(picked, k-1)
	}
	return picked, nil
}
