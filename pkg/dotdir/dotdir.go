// Package dotdir resolves the .authkeeper/ directory that holds the credential
// store and the optional config.toml.
package dotdir

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirName is the name of the authkeeper state directory.
const DirName = ".authkeeper"

// Manager resolves the target .authkeeper/ directory.
type Manager struct {
	getwd   func() (string, error)
	homeDir func() (string, error)
}

// NewManager creates a Manager that looks in the working directory and then
// the user's home directory.
func NewManager() *Manager {
	return &Manager{
		getwd:   os.Getwd,
		homeDir: os.UserHomeDir,
	}
}

// Target returns the directory to use. A non-empty override is returned as-is
// (and created if missing). Otherwise ./.authkeeper is preferred over
// ~/.authkeeper. Returns an empty string when neither exists.
func (m *Manager) Target(override string) (string, error) {
	if override != "" {
		if err := os.MkdirAll(override, 0o700); err != nil {
			return "", fmt.Errorf("creating override dir: %w", err)
		}
		return override, nil
	}

	if wd, err := m.getwd(); err == nil {
		local := filepath.Join(wd, DirName)
		if isDir(local) {
			return local, nil
		}
	}

	home, err := m.homeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home dir: %w", err)
	}
	global := filepath.Join(home, DirName)
	if isDir(global) {
		return global, nil
	}

	return "", nil
}

// Ensure behaves like Target but creates ~/.authkeeper when no directory exists.
func (m *Manager) Ensure(override string) (string, error) {
	target, err := m.Target(override)
	if err != nil {
		return "", err
	}
	if target != "" {
		return target, nil
	}

	home, err := m.homeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home dir: %w", err)
	}
	target = filepath.Join(home, DirName)
	if err := os.MkdirAll(target, 0o700); err != nil {
		return "", fmt.Errorf("creating authkeeper dir: %w", err)
	}

	return target, nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
