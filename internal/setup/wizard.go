package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sofiatracker/syncengine/internal/config"
	"github.com/sofiatracker/syncengine/internal/conflict"
	"github.com/sofiatracker/syncengine/internal/remote"
)

// policyChoices is the order policies are offered in. The first is the
// default.
var policyChoices = []struct {
	policy conflict.Policy
	help   string
}{
	{conflict.RemoteWins, "the shared store decides"},
	{conflict.LocalWins, "this device decides"},
	{conflict.LatestTimestamp, "the later event time decides"},
	{conflict.Merge, "keep remote fields, merge notes"},
	{conflict.UserChoice, "ask (currently same as latest timestamp)"},
}

// Wizard guides the user through first-run configuration.
type Wizard struct {
	prompt *Prompter
	logger *slog.Logger
	w      io.Writer

	// ping probes the remote. Replaced in tests.
	ping func(ctx context.Context, url, token string) error
	// install writes and enables the user service. Replaced in tests.
	install func(cfgPath string) (string, error)
}

// NewWizard creates a Wizard wired to the given I/O and logger.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger) *Wizard {
	wiz := &Wizard{
		prompt: NewPrompter(r, w),
		logger: logger,
		w:      w,
	}
	wiz.ping = wiz.pingRemote
	wiz.install = installService
	return wiz
}

// Run asks for the remote, sync interval and conflict policy, writes the
// config to cfgPath, then offers to install the daemon as a user service.
func (wiz *Wizard) Run(ctx context.Context, cfgPath string) error {
	fmt.Fprintf(wiz.w, "\nWelcome to sofiasync setup!\n\n")

	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return wiz.offerService(cfgPath)
		}
		fmt.Fprintln(wiz.w)
	}

	fmt.Fprintf(wiz.w, "Step 1/3: Remote event store\n")
	fmt.Fprintf(wiz.w, "  Enter the eventsd URL, or %s to keep everything on this device.\n", config.MemoryRemoteURL)
	cfg := &config.Config{}
	cfg.RemoteURL = wiz.prompt.String("Remote URL", "http://localhost:8080")
	if cfg.RemoteURL != config.MemoryRemoteURL {
		cfg.RemoteToken = wiz.prompt.Optional("Access token")

		fmt.Fprintf(wiz.w, "  Connecting to %s...", cfg.RemoteURL)
		if err := wiz.ping(ctx, cfg.RemoteURL, cfg.RemoteToken); err != nil {
			fmt.Fprintf(wiz.w, " ✗\n  %v\n", err)
			if !wiz.prompt.Confirm("Remote unreachable. Save anyway? Events queue until it is back", true) {
				return fmt.Errorf("cannot reach remote %s: %w", cfg.RemoteURL, err)
			}
		} else {
			fmt.Fprintf(wiz.w, " ✓\n")
		}
	}
	fmt.Fprintln(wiz.w)

	fmt.Fprintf(wiz.w, "Step 2/3: Sync interval\n")
	cfg.SyncInterval = wiz.prompt.Duration("How often to run a full sync? (1m-24h)", config.DefaultSyncInterval, time.Minute, 24*time.Hour)
	fmt.Fprintln(wiz.w)

	fmt.Fprintf(wiz.w, "Step 3/3: Conflict policy\n")
	options := make([]string, len(policyChoices))
	for i, c := range policyChoices {
		options[i] = fmt.Sprintf("%s (%s)", strings.ToLower(string(c.policy)), c.help)
	}
	idx, err := wiz.prompt.Select("When both sides changed an event", options, 0)
	if err != nil {
		return fmt.Errorf("selecting conflict policy: %w", err)
	}
	cfg.ConflictPolicy = strings.ToLower(string(policyChoices[idx].policy))
	fmt.Fprintln(wiz.w)

	if err := cfg.Write(cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", cfgPath)
	wiz.logger.Debug("config written", "path", cfgPath, "policy", cfg.Policy())

	return wiz.offerService(cfgPath)
}

// offerService asks whether to run the daemon as a systemd user service.
func (wiz *Wizard) offerService(cfgPath string) error {
	if !wiz.prompt.Confirm("Install as background service (starts on login)?", false) {
		fmt.Fprintf(wiz.w, "\n  Skipping service install.\n")
		fmt.Fprintf(wiz.w, "  Run manually with: sofiasync daemon\n\n")
		return nil
	}

	unit, err := wiz.install(cfgPath)
	if err != nil {
		return fmt.Errorf("installing service: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Service installed at %s and running\n", unit)
	fmt.Fprintf(wiz.w, "  Status:  sofiasync status\n\n")
	return nil
}

func (wiz *Wizard) pingRemote(ctx context.Context, url, token string) error {
	c, err := remote.NewClient(url, token, wiz.logger)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.Ping(ctx)
}

func installService(cfgPath string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	unit, err := WriteUnit(home, cfgPath)
	if err != nil {
		return "", err
	}
	if err := EnableUnit(); err != nil {
		return "", err
	}
	return unit, nil
}
