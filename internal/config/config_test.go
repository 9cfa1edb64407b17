package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, doc map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"topics": []map[string]any{
			{"name": "reports"},
		},
	})

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 1, cfg.Topics[0].Concurrency)
	require.Equal(t, "fixed", cfg.Topics[0].BackoffKind)
	require.Equal(t, "round_robin", cfg.Balancer.Algorithm)
	require.Equal(t, 256, cfg.Compression.Threshold)
	require.Equal(t, 8090, cfg.Metrics.Port)
}

func TestLoadConfigRejectsDuplicateTopicNames(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"topics": []map[string]any{
			{"name": "reports"},
			{"name": "reports"},
		},
	})

	_, err := LoadConfig(path)
	require.ErrorContains(t, err, "duplicate topic")
}

func TestLoadConfigRejectsInvalidBackoffKind(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"topics": []map[string]any{
			{"name": "reports", "backoff_kind": "linear"},
		},
	})

	_, err := LoadConfig(path)
	require.ErrorContains(t, err, "backoff_kind")
}

func TestLoadConfigRejectsInvalidResourcePolicy(t *testing.T) {
	path := writeConfig(t, map[string]any{
		"resources": map[string]any{
			"reports": map[string]any{"policy": "bogus"},
		},
	})

	_, err := LoadConfig(path)
	require.ErrorContains(t, err, "policy")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
