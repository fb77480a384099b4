// Package autostart manages the login-time launch entry of the desktop
// application. The bridge host drives it from the enable/disable/status
// channels; nothing here knows about the bridge.
package autostart

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager installs and removes the autostart entry. Enable and Disable
// leave the entry untouched if ctx ends before they change it.
type Manager interface {
	// Enable installs the entry. Enabling twice is not an error.
	Enable(ctx context.Context) error
	// Disable removes the entry. Disabling a missing entry is not an error.
	Disable(ctx context.Context) error
	// Status returns the entry location and whether it is installed.
	Status() (entry string, enabled bool, err error)
}

// XDGManager writes a freedesktop.org autostart entry
// (<Dir>/<Name>.desktop), the mechanism honored by GNOME, KDE and most
// other Linux session managers.
type XDGManager struct {
	Dir     string // Usually $XDG_CONFIG_HOME/autostart
	Name    string // File stem and display name
	Exec    string // Command line launched at login
	Comment string
}

// DefaultDir returns $XDG_CONFIG_HOME/autostart, falling back to
// ~/.config/autostart.
func DefaultDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating user config directory: %w", err)
	}
	return filepath.Join(configDir, "autostart"), nil
}

// Path is the location of the entry file.
func (m *XDGManager) Path() string {
	return filepath.Join(m.Dir, m.Name+".desktop")
}

func (m *XDGManager) validate() error {
	if m.Dir == "" || m.Name == "" {
		return errors.New("autostart: directory and name are required")
	}
	if strings.ContainsAny(m.Name, `/\`) {
		return fmt.Errorf("autostart: invalid entry name %q", m.Name)
	}
	return nil
}

func (m *XDGManager) Enable(ctx context.Context) error {
	if err := m.validate(); err != nil {
		return err
	}
	if m.Exec == "" {
		return errors.New("autostart: exec command is required")
	}
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", m.Dir, err)
	}

	var entry strings.Builder
	entry.WriteString("[Desktop Entry]\n")
	entry.WriteString("Type=Application\n")
	fmt.Fprintf(&entry, "Name=%s\n", m.Name)
	fmt.Fprintf(&entry, "Exec=%s\n", m.Exec)
	if m.Comment != "" {
		fmt.Fprintf(&entry, "Comment=%s\n", m.Comment)
	}
	entry.WriteString("Terminal=false\n")
	entry.WriteString("X-GNOME-Autostart-enabled=true\n")

	// Write to a temporary file first so a crash never leaves a half entry
	// that the session manager would try to launch.
	tmp, err := os.CreateTemp(m.Dir, "."+m.Name+".*.tmp")
	if err != nil {
		return fmt.Errorf("writing autostart entry: %w", err)
	}
	if _, err := tmp.WriteString(entry.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing autostart entry: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing autostart entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing autostart entry: %w", err)
	}
	// Last point at which the request can still be abandoned.
	if err := ctx.Err(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), m.Path()); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("installing autostart entry: %w", err)
	}
	return nil
}

func (m *XDGManager) Disable(ctx context.Context) error {
	if err := m.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(m.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing autostart entry: %w", err)
	}
	return nil
}

func (m *XDGManager) Status() (string, bool, error) {
	if err := m.validate(); err != nil {
		return "", false, err
	}
	path := m.Path()
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return path, false, nil
	}
	if err != nil {
		return path, false, fmt.Errorf("checking autostart entry: %w", err)
	}
	if info.IsDir() {
		return path, false, fmt.Errorf("autostart entry %s is a directory", path)
	}
	return path, true, nil
}
