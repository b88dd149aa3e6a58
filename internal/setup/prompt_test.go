package setup

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	var out bytes.Buffer
	return NewPrompter(strings.NewReader(input), &out), &out
}

func TestString(t *testing.T) {
	tests := []struct {
		name  string
		input string
		def   string
		want  string
	}{
		{"typed value", "abc\n", "def", "abc"},
		{"enter takes default", "\n", "def", "def"},
		{"eof takes default", "", "def", "def"},
		{"required repeats", "\n\nvalue\n", "", "value"},
		{"trims space", "  x  \n", "", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPrompter(tt.input)
			if got := p.String("Label", tt.def); got != tt.want {
				t.Errorf("String = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOptional(t *testing.T) {
	p, out := newTestPrompter("\n")
	if got := p.Optional("Token"); got != "" {
		t.Errorf("Optional = %q, want empty", got)
	}
	if !strings.Contains(out.String(), "Token (optional)") {
		t.Errorf("prompt = %q", out.String())
	}
}

func TestDuration(t *testing.T) {
	p, out := newTestPrompter("soon\n10s\n30m\n")
	got := p.Duration("Interval", 15*time.Minute, time.Minute, time.Hour)
	if got != 30*time.Minute {
		t.Errorf("Duration = %v, want 30m", got)
	}
	if n := strings.Count(out.String(), "enter a duration"); n != 2 {
		t.Errorf("rejections = %d, want 2", n)
	}

	p, _ = newTestPrompter("\n")
	if got := p.Duration("Interval", 15*time.Minute, time.Minute, time.Hour); got != 15*time.Minute {
		t.Errorf("default Duration = %v", got)
	}
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"y\n", false, true},
		{"YES\n", false, true},
		{"n\n", true, false},
		{"\n", true, true},
		{"\n", false, false},
		{"", true, true},
	}
	for _, tt := range tests {
		p, _ := newTestPrompter(tt.input)
		if got := p.Confirm("Sure?", tt.defaultYes); got != tt.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tt.input, tt.defaultYes, got, tt.want)
		}
	}
}

func TestSelect(t *testing.T) {
	opts := []string{"a", "b", "c"}

	p, _ := newTestPrompter("7\nx\n2\n")
	if got, err := p.Select("Pick", opts, 0); err != nil || got != 1 {
		t.Errorf("Select = %d, %v; want 1", got, err)
	}

	p, _ = newTestPrompter("\n")
	if got, err := p.Select("Pick", opts, 2); err != nil || got != 2 {
		t.Errorf("Select default = %d, %v; want 2", got, err)
	}

	p, _ = newTestPrompter("")
	if _, err := p.Select("Pick", opts, 0); err == nil {
		t.Error("expected error on EOF")
	}

	if _, err := p.Select("Pick", nil, 0); err == nil {
		t.Error("expected error for no options")
	}
}
