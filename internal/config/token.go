package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GetAPIToken returns the bearer token guarding the HTTP API. It prefers
// CRATE_API_TOKEN, then the secret store, and otherwise generates a token
// and stores it for later runs.
func GetAPIToken(cfg Config, kc Keychain) (string, error) {
	if cfg.Server.APIToken != "" {
		return cfg.Server.APIToken, nil
	}
	if tok, err := kc.Get(keychainService, apiTokenAccount); err == nil && tok != "" {
		return tok, nil
	}
	tok, err := newToken()
	if err != nil {
		return "", err
	}
	if err := kc.Set(keychainService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}

// ReadAPIToken returns the stored token without generating one. CLI clients
// use it to authenticate against a running server.
func ReadAPIToken(cfg Config, kc Keychain) string {
	if cfg.Server.APIToken != "" {
		return cfg.Server.APIToken
	}
	tok, _ := kc.Get(keychainService, apiTokenAccount)
	return tok
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
