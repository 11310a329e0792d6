//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const defaultsDomain = "com.crate.app"

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "crate-data"
	}
	return filepath.Join(home, "Library", "Application Support", "crate")
}

func secretHint() string {
	return fmt.Sprintf(" or the macOS Keychain (service %q)", keychainService)
}

// defaultsBackend keeps settings in the UserDefaults domain through the
// defaults(1) tool. run is swapped out in tests.
type defaultsBackend struct {
	domain string
	run    func(args ...string) (string, error)
}

func newPlatformBackend() ConfigBackend {
	return &defaultsBackend{domain: defaultsDomain, run: runDefaults}
}

// errNoDefault means defaults(1) has no value for the key.
var errNoDefault = errors.New("no such default")

func runDefaults(args ...string) (string, error) {
	out, err := exec.Command("defaults", args...).CombinedOutput()
	text := strings.TrimSpace(string(out))
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return text, nil
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && args[0] == "read":
		return "", errNoDefault
	}
	return "", fmt.Errorf("defaults %s: %w (%s)", strings.Join(args, " "), err, text)
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	v, err := b.run("read", b.domain, key)
	if errors.Is(err, errNoDefault) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	v, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, true, fmt.Errorf("%s: %w", key, err)
	}
	return i, true, nil
}

func (b *defaultsBackend) SetString(key, val string) error {
	_, err := b.run("write", b.domain, key, "-string", val)
	return err
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	_, err := b.run("write", b.domain, key, "-int", strconv.Itoa(val))
	return err
}

func (b *defaultsBackend) Delete(key string) error {
	_, err := b.run("delete", b.domain, key)
	return err
}
