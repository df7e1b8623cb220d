package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "./data/vault", cfg.VaultDir)
	require.Equal(t, 4096, cfg.ConceptWidth)
}

func TestLoadAppliesEnvOverride(t *testing.T) {
	t.Setenv("KOOPMEM_VAULT_DIR", "/tmp/custom-vault")
	t.Setenv("KOOPMEM_PRUNE_THRESHOLD", "0.2")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom-vault", cfg.VaultDir)
	require.Equal(t, 0.2, cfg.PruneThreshold)
	require.Equal(t, 0.2, cfg.Replay.PruneThreshold)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	require.NoError(t, os.WriteFile(path, []byte("vault_dir: /data/from-file\nmax_episodes: 500\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/data/from-file", cfg.VaultDir)
	require.Equal(t, 500, cfg.MaxEpisodes)
}
