// Package setup implements the interactive first-run wizard that writes the
// sofiasync config and optionally installs the daemon as a user service.
package setup

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Prompter asks questions on w and reads answers line by line from r.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter wired to the given reader and writer.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// line prints the label and returns the trimmed answer. ok is false once
// input is exhausted.
func (p *Prompter) line(format string, args ...any) (string, bool) {
	_, _ = fmt.Fprintf(p.w, "  "+format+": ", args...)
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

// String prompts for a text value. Enter returns defaultVal; an empty
// defaultVal makes the field required.
func (p *Prompter) String(label, defaultVal string) string {
	for {
		var val string
		var ok bool
		if defaultVal != "" {
			val, ok = p.line("%s [%s]", label, defaultVal)
		} else {
			val, ok = p.line("%s", label)
		}
		if !ok {
			return defaultVal
		}
		if val != "" {
			return val
		}
		if defaultVal != "" {
			return defaultVal
		}
		_, _ = fmt.Fprintln(p.w, "  (required, please enter a value)")
	}
}

// Optional prompts for a value that may be left empty, such as a token.
// Input is echoed.
func (p *Prompter) Optional(label string) string {
	val, _ := p.line("%s (optional)", label)
	return val
}

// Duration prompts until the answer parses and lies within [lo, hi].
func (p *Prompter) Duration(label string, defaultVal, lo, hi time.Duration) time.Duration {
	for {
		val, ok := p.line("%s [%s]", label, defaultVal)
		if !ok || val == "" {
			return defaultVal
		}
		d, err := time.ParseDuration(val)
		if err == nil && d >= lo && d <= hi {
			return d
		}
		_, _ = fmt.Fprintf(p.w, "  (enter a duration between %s and %s, e.g. 15m)\n", lo, hi)
	}
}

// Confirm asks a yes/no question. Enter picks defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	hint := "[y/N]"
	if defaultYes {
		hint = "[Y/n]"
	}
	answer, ok := p.line("%s %s", label, hint)
	if !ok || answer == "" {
		return defaultYes
	}
	answer = strings.ToLower(answer)
	return answer == "y" || answer == "yes"
}

// Select presents a numbered list and returns the zero-based index of the
// chosen option. Enter picks def.
func (p *Prompter) Select(label string, options []string, def int) (int, error) {
	if len(options) == 0 {
		return -1, fmt.Errorf("no options to select from")
	}

	_, _ = fmt.Fprintf(p.w, "  %s:\n", label)
	for i, opt := range options {
		_, _ = fmt.Fprintf(p.w, "    %d) %s\n", i+1, opt)
	}

	for {
		val, ok := p.line("Choice [%d]", def+1)
		if !ok {
			return -1, fmt.Errorf("no input")
		}
		if val == "" {
			return def, nil
		}
		n, err := strconv.Atoi(val)
		if err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		_, _ = fmt.Fprintf(p.w, "  (enter a number between 1 and %d)\n", len(options))
	}
}
