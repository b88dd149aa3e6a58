package setup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sofiatracker/syncengine/internal/config"
	"github.com/sofiatracker/syncengine/internal/conflict"
)

type wizardRun struct {
	wiz       *Wizard
	out       *bytes.Buffer
	pinged    []string
	installed []string
}

func newTestWizard(input string, pingErr error) *wizardRun {
	run := &wizardRun{out: &bytes.Buffer{}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	run.wiz = NewWizard(strings.NewReader(input), run.out, logger)
	run.wiz.ping = func(_ context.Context, url, _ string) error {
		run.pinged = append(run.pinged, url)
		return pingErr
	}
	run.wiz.install = func(cfgPath string) (string, error) {
		run.installed = append(run.installed, cfgPath)
		return "/tmp/sofiasync.service", nil
	}
	return run
}

func TestWizard_WritesConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "sofiasync", "config.yaml")
	// URL, token, interval, policy 3 (latest_timestamp), no service.
	input := "https://events.example.com\ns3cret\n30m\n3\nn\n"
	run := newTestWizard(input, nil)

	if err := run.wiz.Run(context.Background(), cfgPath); err != nil {
		t.Fatalf("Run: %v\n%s", err, run.out)
	}
	if len(run.pinged) != 1 || run.pinged[0] != "https://events.example.com" {
		t.Errorf("pinged = %v", run.pinged)
	}
	if len(run.installed) != 0 {
		t.Errorf("service installed without consent")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RemoteURL != "https://events.example.com" || cfg.RemoteToken != "s3cret" {
		t.Errorf("remote = %q/%q", cfg.RemoteURL, cfg.RemoteToken)
	}
	if cfg.SyncInterval != 30*time.Minute {
		t.Errorf("SyncInterval = %v", cfg.SyncInterval)
	}
	if cfg.Policy() != conflict.LatestTimestamp {
		t.Errorf("Policy = %s", cfg.Policy())
	}
}

func TestWizard_MemoryRemoteSkipsPing(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	// memory remote, default interval, default policy, install service.
	run := newTestWizard("memory://\n\n\ny\n", nil)

	if err := run.wiz.Run(context.Background(), cfgPath); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(run.pinged) != 0 {
		t.Errorf("memory remote was pinged")
	}
	if len(run.installed) != 1 || run.installed[0] != cfgPath {
		t.Errorf("installed = %v", run.installed)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.MemoryRemote() || cfg.Policy() != conflict.RemoteWins || cfg.SyncInterval != config.DefaultSyncInterval {
		t.Errorf("cfg = %+v policy %s", cfg, cfg.Policy())
	}
}

func TestWizard_UnreachableRemote(t *testing.T) {
	errDown := errors.New("connection refused")

	t.Run("abort", func(t *testing.T) {
		cfgPath := filepath.Join(t.TempDir(), "config.yaml")
		run := newTestWizard("http://h:8080\n\nn\n", errDown)
		err := run.wiz.Run(context.Background(), cfgPath)
		if !errors.Is(err, errDown) {
			t.Fatalf("err = %v, want %v", err, errDown)
		}
		if _, statErr := os.Stat(cfgPath); !os.IsNotExist(statErr) {
			t.Error("config written after abort")
		}
	})

	t.Run("save anyway", func(t *testing.T) {
		cfgPath := filepath.Join(t.TempDir(), "config.yaml")
		run := newTestWizard("http://h:8080\n\ny\n\n\nn\n", errDown)
		if err := run.wiz.Run(context.Background(), cfgPath); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if _, err := config.Load(cfgPath); err != nil {
			t.Errorf("Load: %v", err)
		}
	})
}

func TestWizard_KeepsExistingConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	existing := "remote_url: \"memory://\"\n"
	if err := os.WriteFile(cfgPath, []byte(existing), 0o600); err != nil {
		t.Fatal(err)
	}
	// Do not overwrite, do not install.
	run := newTestWizard("n\nn\n", nil)
	if err := run.wiz.Run(context.Background(), cfgPath); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, _ := os.ReadFile(cfgPath)
	if string(data) != existing {
		t.Errorf("config changed to %q", data)
	}
}
