package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_PassesValidation(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestDefaultConfig_MatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "standard", cfg.VectorBackend)
	assert.Equal(t, 1.5, cfg.BM25K1)
	assert.Equal(t, 0.75, cfg.BM25B)
	assert.Equal(t, 60.0, cfg.HybridRRFK)
	assert.Equal(t, "rrf", cfg.HybridFusionMethod)
	assert.Equal(t, "balanced", cfg.KeywordExtractionLevel)
}

func TestConfig_ValidateRejectsUnknownEnum(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HybridFusionMethod = "bogus"
	assert.Error(t, cfg.Validate())
}

func TestConfig_ValidateRejectsUnknownBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VectorBackend = "not-a-backend"
	assert.Error(t, cfg.Validate())
}

func TestLoadConfig_FileOverridesDefaultsAndEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "vecthare.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"vectorBackend":"qdrant","topK":42}`), 0o644))

	t.Setenv("VECTHARE_CONFIG", configPath)
	t.Setenv("VECTHARE_TOP_K", "7")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "qdrant", cfg.VectorBackend)
	assert.Equal(t, 7, cfg.TopK) // env wins over file
}

func TestConfig_SaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "vecthare.json")

	cfg := DefaultConfig()
	cfg.Source = "cohere"
	require.NoError(t, cfg.Save(path))

	t.Setenv("VECTHARE_CONFIG", path)
	reloaded, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "cohere", reloaded.Source)
}

func TestConfig_ModelFor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ProviderModel = map[string]string{"openai": "text-embedding-3-small"}
	assert.Equal(t, "text-embedding-3-small", cfg.ModelFor("openai"))
	assert.Equal(t, "", cfg.ModelFor("cohere"))
}
