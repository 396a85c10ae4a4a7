package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"adaptivechain/consensus/types"
	"adaptivechain/consensus/validator"
	"adaptivechain/crypto"
)

const testKeystorePassphrase = "test-passphrase"

func TestLoadParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	keystorePath := filepath.Join(dir, "validator.keystore")
	contents := fmt.Sprintf(`NodeName = "validator-7"
ListenAddress = "0.0.0.0:9000"
RelayURL = "wss://relay.internal/gossip"
DataDir = "./data"
GenesisFile = "genesis.yaml"
ValidatorKeystorePath = "%s"
AuditDSN = "file:audit.db"

[consensus]
EpochLength = 50
FinalityDepth = 3
SlotTimeoutMs = 750
InitialMode = "pos"

[consensus.slashing]
DoubleSignBps = 900

[consensus.pow]
InitialDifficulty = 4096

[orchestrator]
QueueSize = 512
PeerRate = 25.5
PeerBurst = 50

[network_security]
SharedSecret = "topsecret"
SharedSecretFile = "./secret.txt"
SharedSecretEnv = "ADAPTIVECHAIN_TEST_SECRET"
AuthorizationHeader = "x-test-token"
ServerCAFile = "./tls/ca.pem"
ClientTLSCertFile = "./tls/client.crt"
ClientTLSKeyFile = "./tls/client.key"
AllowedClientCommonNames = ["consensusd"]
ServerName = "relay.internal"

[telemetry]
OTLPEndpoint = "otel:4318"
Insecure = true
Traces = true
`, keystorePath)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, WithKeystorePassphrase(testKeystorePassphrase))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NodeName != "validator-7" || cfg.ListenAddress != "0.0.0.0:9000" {
		t.Fatalf("unexpected node settings: %+v", cfg)
	}
	if cfg.RelayListenAddress != ":9090" || cfg.Environment != "local" {
		t.Fatalf("defaults not applied: relay=%q env=%q", cfg.RelayListenAddress, cfg.Environment)
	}
	if cfg.Orchestrator.QueueSize != 512 || cfg.Orchestrator.PeerRate != 25.5 || cfg.Orchestrator.PeerBurst != 50 {
		t.Fatalf("unexpected orchestrator settings: %+v", cfg.Orchestrator)
	}
	if header := cfg.NetworkSecurity.AuthorizationHeaderName(); header != "x-test-token" {
		t.Fatalf("unexpected auth header: %s", header)
	}
	if cfg.NetworkSecurity.ServerName != "relay.internal" || len(cfg.NetworkSecurity.AllowedClientCommonNames) != 1 {
		t.Fatalf("unexpected network security: %+v", cfg.NetworkSecurity)
	}
	if cfg.Telemetry.OTLPEndpoint != "otel:4318" || !cfg.Telemetry.Insecure || !cfg.Telemetry.Traces {
		t.Fatalf("unexpected telemetry: %+v", cfg.Telemetry)
	}
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}

	epochCfg, err := cfg.Consensus.EpochConfig()
	if err != nil {
		t.Fatalf("epoch config: %v", err)
	}
	if epochCfg.Length != 50 || epochCfg.FinalityDepth != 3 {
		t.Fatalf("unexpected epoch overrides: length=%d depth=%d", epochCfg.Length, epochCfg.FinalityDepth)
	}
	if epochCfg.SlotTimeout != 750*time.Millisecond {
		t.Fatalf("unexpected slot timeout: %s", epochCfg.SlotTimeout)
	}
	if epochCfg.InitialMode != types.ModePoS {
		t.Fatalf("unexpected initial mode: %s", epochCfg.InitialMode)
	}
	if epochCfg.Slashing.DoubleSignBps != 900 || epochCfg.Slashing.DowntimeBps != 100 {
		t.Fatalf("unexpected slashing schedule: %+v", epochCfg.Slashing)
	}
	if epochCfg.PoW.InitialDifficulty != 4096 || epochCfg.PoW.RetargetWindow != 16 {
		t.Fatalf("unexpected pow params: %+v", epochCfg.PoW)
	}
}

func TestLoadCreatesDefaultConfigAndKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path, WithKeystorePassphrase(testKeystorePassphrase))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file: %v", err)
	}
	if cfg.ValidatorKeystorePath != filepath.Join(dir, "validator.keystore") {
		t.Fatalf("unexpected keystore path: %s", cfg.ValidatorKeystorePath)
	}
	if _, err := crypto.LoadFromKeystore(cfg.ValidatorKeystorePath, testKeystorePassphrase); err != nil {
		t.Fatalf("load generated keystore: %v", err)
	}

	again, err := Load(path, WithKeystorePassphrase(testKeystorePassphrase))
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if again.RelayURL != cfg.RelayURL || again.ValidatorKeystorePath != cfg.ValidatorKeystorePath {
		t.Fatalf("reload mismatch: %+v vs %+v", again, cfg)
	}
}

func TestEpochConfigRejectsInvalidOverrides(t *testing.T) {
	if _, err := (Consensus{QuorumBps: 5_000}).EpochConfig(); err == nil {
		t.Fatalf("expected quorum below two thirds to be rejected")
	}
	if _, err := (Consensus{InitialMode: "proof-of-luck"}).EpochConfig(); err == nil {
		t.Fatalf("expected unknown initial mode to be rejected")
	}
	cfg := &Config{GenesisFile: "genesis.yaml", RelayURL: "tcp://relay:1"}
	if err := ValidateConfig(cfg); err == nil || !strings.Contains(err.Error(), "scheme") {
		t.Fatalf("expected relay scheme error, got %v", err)
	}
}

func TestResolveSharedSecretPrecedence(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("from-file\n"), 0o600); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	sec := NetworkSecurity{
		SharedSecret:     "inline",
		SharedSecretFile: "secret.txt",
		SharedSecretEnv:  "RELAY_SECRET",
	}
	env := map[string]string{"RELAY_SECRET": "from-env"}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	secret, err := sec.ResolveSharedSecret(dir, lookup)
	if err != nil || secret != "from-env" {
		t.Fatalf("expected env secret, got %q (%v)", secret, err)
	}
	delete(env, "RELAY_SECRET")
	secret, err = sec.ResolveSharedSecret(dir, lookup)
	if err != nil || secret != "from-file" {
		t.Fatalf("expected file secret, got %q (%v)", secret, err)
	}
	sec.SharedSecretFile = ""
	secret, err = sec.ResolveSharedSecret(dir, lookup)
	if err != nil || secret != "inline" {
		t.Fatalf("expected inline secret, got %q (%v)", secret, err)
	}
}

func TestLoadGenesis(t *testing.T) {
	dir := t.TempDir()
	keyA, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	keyB, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	contents := fmt.Sprintf(`chain_id: adaptive-local
timestamp_ms: 1700000000000
seed: alpha
validators:
  - name: a
    public_key: "0x%s"
    stake: "1000"
  - name: b
    public_key: "%s"
    stake: "250"
    reputation_bps: 8000
`, hex.EncodeToString(keyA.PubKey().Bytes()), hex.EncodeToString(keyB.PubKey().Bytes()))
	path := filepath.Join(dir, "genesis.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write genesis: %v", err)
	}

	g, err := LoadGenesis(path)
	if err != nil {
		t.Fatalf("load genesis: %v", err)
	}
	ids, err := g.Identities()
	if err != nil {
		t.Fatalf("identities: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 validators, got %d", len(ids))
	}
	if ids[0].ReputationBps != validator.MaxReputationBps || ids[1].ReputationBps != 8_000 {
		t.Fatalf("unexpected reputations: %d %d", ids[0].ReputationBps, ids[1].ReputationBps)
	}
	if ids[0].Stake.Uint64() != 1000 || !ids[1].Status.IsActive() {
		t.Fatalf("unexpected identity: %+v", ids[0])
	}
	want, _ := types.ValidatorIDFromPublicKey(keyA.PubKey().Bytes())
	if ids[0].ID != want {
		t.Fatalf("validator id mismatch")
	}
	if g.SeedHash() == (types.Hash{}) || g.SeedHash() == (&Genesis{ChainID: "other", Seed: "alpha"}).SeedHash() {
		t.Fatalf("seed must depend on chain id")
	}

	dup := strings.Replace(contents, hex.EncodeToString(keyB.PubKey().Bytes()), hex.EncodeToString(keyA.PubKey().Bytes()), 1)
	if err := os.WriteFile(path, []byte(dup), 0o644); err != nil {
		t.Fatalf("write genesis: %v", err)
	}
	if _, err := LoadGenesis(path); err == nil {
		t.Fatalf("expected duplicate validator to be rejected")
	}
}
