//go:build !darwin

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Without a system keychain, secrets live in a 0600 YAML file next to the
// config, one section per service.
func secretsFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "crate", "secrets.yaml")
}

func keychainGet(service, account string) ([]byte, error) {
	s, err := readSections(secretsFilePath())
	if err != nil {
		return nil, fmt.Errorf("no secrets file: %w", err)
	}
	v, ok := s.get(service + "." + account)
	if !ok {
		return nil, fmt.Errorf("secret %s/%s not set", service, account)
	}
	return []byte(fmt.Sprint(v)), nil
}

func keychainSet(service, account, value string) error {
	path := secretsFilePath()
	s, err := readSections(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	s.set(service+"."+account, value)
	return writeSections(path, s)
}
