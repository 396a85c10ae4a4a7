package config

import (
	"fmt"
	"os"
	"strings"
)

// NetworkSecurity configures authentication between consensusd and the relay.
type NetworkSecurity struct {
	SharedSecret              string   `toml:"SharedSecret"`
	SharedSecretFile          string   `toml:"SharedSecretFile"`
	SharedSecretEnv           string   `toml:"SharedSecretEnv"`
	AuthorizationHeader       string   `toml:"AuthorizationHeader"`
	ServerTLSCertFile         string   `toml:"ServerTLSCertFile"`
	ServerTLSKeyFile          string   `toml:"ServerTLSKeyFile"`
	ServerCAFile              string   `toml:"ServerCAFile"`
	ClientCAFile              string   `toml:"ClientCAFile"`
	ClientTLSCertFile         string   `toml:"ClientTLSCertFile"`
	ClientTLSKeyFile          string   `toml:"ClientTLSKeyFile"`
	AllowedClientCommonNames  []string `toml:"AllowedClientCommonNames"`
	ServerName                string   `toml:"ServerName"`
	AllowInsecure             bool     `toml:"AllowInsecure"`
	AllowUnauthenticatedReads bool     `toml:"AllowUnauthenticatedReads"`
}

// AuthorizationHeaderName returns the header carrying the shared secret.
func (s NetworkSecurity) AuthorizationHeaderName() string {
	if header := strings.TrimSpace(s.AuthorizationHeader); header != "" {
		return header
	}
	return "Authorization"
}

// ResolveSharedSecret returns the configured secret. Sources are consulted in
// order: environment variable, secret file, inline value. lookup defaults to
// os.LookupEnv.
func (s NetworkSecurity) ResolveSharedSecret(baseDir string, lookup func(string) (string, bool)) (string, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if name := strings.TrimSpace(s.SharedSecretEnv); name != "" {
		if value, ok := lookup(name); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value), nil
		}
	}
	if path := ResolvePath(baseDir, s.SharedSecretFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read shared secret file: %w", err)
		}
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return "", fmt.Errorf("shared secret file %s is empty", path)
		}
		return secret, nil
	}
	return strings.TrimSpace(s.SharedSecret), nil
}
