package config

import (
	"os"
	"path/filepath"
	"strings"

	"adaptivechain/crypto"

	"github.com/BurntSushi/toml"
)

// KeystorePassphraseEnv names the environment variable holding the validator
// keystore passphrase.
const KeystorePassphraseEnv = "ADAPTIVECHAIN_KEYSTORE_PASSPHRASE"

type Config struct {
	NodeName              string `toml:"NodeName"`
	ListenAddress         string `toml:"ListenAddress"`
	RelayURL              string `toml:"RelayURL"`
	RelayListenAddress    string `toml:"RelayListenAddress"`
	DataDir               string `toml:"DataDir"`
	GenesisFile           string `toml:"GenesisFile"`
	ValidatorKeystorePath string `toml:"ValidatorKeystorePath"`
	AuditDSN              string `toml:"AuditDSN"`
	Environment           string `toml:"Environment"`
	LogFile               string `toml:"LogFile"`

	Consensus       Consensus       `toml:"consensus"`
	Orchestrator    Orchestrator    `toml:"orchestrator"`
	NetworkSecurity NetworkSecurity `toml:"network_security"`
	Telemetry       Telemetry       `toml:"telemetry"`
}

// Orchestrator tunes the consensus actor's intake.
type Orchestrator struct {
	QueueSize int     `toml:"QueueSize"`
	Workers   int     `toml:"Workers"`
	CacheSize int     `toml:"CacheSize"`
	PeerRate  float64 `toml:"PeerRate"`
	PeerBurst int     `toml:"PeerBurst"`
}

// Telemetry configures OTLP export. An empty endpoint disables it.
type Telemetry struct {
	OTLPEndpoint string            `toml:"OTLPEndpoint"`
	Insecure     bool              `toml:"Insecure"`
	Headers      map[string]string `toml:"Headers"`
	Metrics      bool              `toml:"Metrics"`
	Traces       bool              `toml:"Traces"`
	SampleRatio  float64           `toml:"SampleRatio"`
}

type loadOptions struct {
	passphrase string
}

// LoadOption customises Load.
type LoadOption func(*loadOptions)

// WithKeystorePassphrase sets the passphrase used when Load has to create a
// validator keystore. It defaults to $ADAPTIVECHAIN_KEYSTORE_PASSPHRASE.
func WithKeystorePassphrase(passphrase string) LoadOption {
	return func(o *loadOptions) { o.passphrase = passphrase }
}

// Load loads the configuration from the given path, writing a default file
// and a fresh validator keystore when none exists.
func Load(path string, opts ...LoadOption) (*Config, error) {
	options := loadOptions{passphrase: os.Getenv(KeystorePassphraseEnv)}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, options.passphrase)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg, options.passphrase); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.NodeName) == "" {
		cfg.NodeName = "node-0"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.RelayListenAddress == "" {
		cfg.RelayListenAddress = ":9090"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./adaptivechain-data"
	}
	if cfg.Environment == "" {
		cfg.Environment = "local"
	}
}

func ensureKeystore(configPath string, cfg *Config, passphrase string) error {
	keystorePath := cfg.ValidatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.ValidatorKeystorePath != keystorePath {
		cfg.ValidatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path, passphrase string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
		return nil, err
	}

	cfg := &Config{
		RelayURL:    "ws://127.0.0.1:9090/gossip",
		GenesisFile: "genesis.yaml",
		NetworkSecurity: NetworkSecurity{
			SharedSecretEnv: "ADAPTIVECHAIN_RELAY_SECRET",
			AllowInsecure:   true,
		},
	}
	applyDefaults(cfg)
	cfg.ValidatorKeystorePath = keystorePath

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "validator.keystore")
}

// ResolvePath anchors a relative path at the directory of the config file.
func ResolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return ""
	}
	if baseDir != "" && !filepath.IsAbs(trimmed) {
		return filepath.Join(baseDir, trimmed)
	}
	return trimmed
}
