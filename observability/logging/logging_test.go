package logging

import (
	"bytes"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetupRenamesKeysAndTagsService(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})

	var buf bytes.Buffer
	logger, closer := Setup("consensusd", "test", WithWriter(&buf), WithLevel("warn"))
	defer closer.Close()

	logger.Info("dropped below level")
	logger.Warn("epoch rotated", slog.Uint64("epoch", 3))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "WARN", entry["severity"])
	require.Equal(t, "epoch rotated", entry["message"])
	require.Equal(t, "consensusd", entry["service"])
	require.Equal(t, "test", entry["env"])
	require.Contains(t, entry, "timestamp")
	require.EqualValues(t, 3, entry["epoch"])
}

func TestSetupWritesRotatedFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		log.SetOutput(os.Stderr)
	})

	path := filepath.Join(t.TempDir(), "node.log")
	var buf bytes.Buffer
	logger, closer := Setup("consensusd", "", WithWriter(&buf), WithFile(path))
	logger.Info("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, buf.String(), string(data))
}

func TestMaskField(t *testing.T) {
	require.Equal(t, RedactedValue, MaskField("shared_secret", "hunter2").Value.String())
	require.Equal(t, "", MaskField("shared_secret", "").Value.String())
	require.Equal(t, "node-1", MaskField("Node", "node-1").Value.String())
}
