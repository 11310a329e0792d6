//go:build !darwin

package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// xdgDir resolves an XDG base directory, falling back to fallback under the
// home directory.
func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "crate")
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "crate", "config.yaml")
}

func secretHint() string {
	return " or the secrets file " + secretsFilePath()
}

func newPlatformBackend() ConfigBackend {
	return openFileBackend(configFilePath())
}

// sections is the on-disk layout shared by config.yaml and secrets.yaml:
// the part of a dotted key before the first dot names the section.
//
//	server:
//	  port: 4100
type sections map[string]map[string]any

func splitKey(key string) (section, name string) {
	section, name, ok := strings.Cut(key, ".")
	if !ok {
		return "", key
	}
	return section, name
}

func readSections(path string) (sections, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sections{}, err
	}
	s := sections{}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return sections{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}

func writeSections(path string, s sections) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (s sections) get(key string) (any, bool) {
	section, name := splitKey(key)
	v, ok := s[section][name]
	return v, ok
}

func (s sections) set(key string, v any) {
	section, name := splitKey(key)
	if s[section] == nil {
		s[section] = map[string]any{}
	}
	s[section][name] = v
}

func (s sections) remove(key string) {
	section, name := splitKey(key)
	delete(s[section], name)
	if len(s[section]) == 0 {
		delete(s, section)
	}
}

// fileBackend stores settings in a YAML file grouped by section.
type fileBackend struct {
	path string
	data sections
}

func openFileBackend(path string) *fileBackend {
	data, err := readSections(path)
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "[WARN] ignoring config file: %v\n", err)
	}
	return &fileBackend{path: path, data: data}
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data.get(key)
	if !ok {
		return "", false, nil
	}
	if s, isStr := v.(string); isStr {
		return s, true, nil
	}
	return fmt.Sprint(v), true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data.get(key)
	if !ok {
		return 0, false, nil
	}
	switch val := v.(type) {
	case int:
		return val, true, nil
	case float64:
		if val != math.Trunc(val) || val < math.MinInt || val > math.MaxInt {
			return 0, true, fmt.Errorf("%s: %v is not an integer", key, val)
		}
		return int(val), true, nil
	case string:
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, true, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	}
	return 0, true, fmt.Errorf("%s: unexpected %T", key, v)
}

func (b *fileBackend) SetString(key, val string) error {
	b.data.set(key, val)
	return writeSections(b.path, b.data)
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.data.set(key, val)
	return writeSections(b.path, b.data)
}

func (b *fileBackend) Delete(key string) error {
	b.data.remove(key)
	return writeSections(b.path, b.data)
}
