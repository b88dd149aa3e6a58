package setup

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

// UnitName is the systemd user unit that runs the sync daemon.
const UnitName = "sofiasync.service"

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=sofiasync background event sync
After=network-online.target

[Service]
ExecStart={{.BinaryPath}} daemon --config {{.ConfigPath}}
Restart=on-failure
RestartSec=30

[Install]
WantedBy=default.target
`))

// unitData holds template values for the systemd unit.
type unitData struct {
	BinaryPath string
	ConfigPath string
}

// UnitPath returns where the user unit is installed.
func UnitPath(homeDir string) string {
	return filepath.Join(homeDir, ".config", "systemd", "user", UnitName)
}

// RenderUnit returns the unit file contents for the given binary and config.
func RenderUnit(binaryPath, configPath string) ([]byte, error) {
	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, unitData{BinaryPath: binaryPath, ConfigPath: configPath}); err != nil {
		return nil, fmt.Errorf("executing unit template: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteUnit renders the unit for the running executable and writes it
// under homeDir. It returns the unit path.
func WriteUnit(homeDir, configPath string) (string, error) {
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving current executable path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(self); err == nil {
		self = resolved
	}

	data, err := RenderUnit(self, configPath)
	if err != nil {
		return "", err
	}

	dest := UnitPath(homeDir)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating systemd user directory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("writing unit to %s: %w", dest, err)
	}
	return dest, nil
}

// EnableUnit reloads the user manager and starts the daemon now and on login.
func EnableUnit() error {
	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "--now", UnitName)
}

// DisableUnit stops the daemon and removes the unit file. A missing unit is
// not an error.
func DisableUnit(homeDir string) error {
	path := UnitPath(homeDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	_ = systemctl("disable", "--now", UnitName) // may already be stopped
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit %s: %w", path, err)
	}
	return systemctl("daemon-reload")
}

// IsUnitActive reports whether the user unit is running.
func IsUnitActive() bool {
	return exec.Command("systemctl", "--user", "is-active", "--quiet", UnitName).Run() == nil
}

func systemctl(args ...string) error {
	//nolint:gosec // fixed binary, arguments are constants
	cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(output)), err)
	}
	return nil
}
