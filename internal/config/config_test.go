package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, CacheMemory, cfg.Gate.Cache)
	assert.Equal(t, 5*time.Minute, cfg.Gate.CacheTTL)
	assert.Equal(t, "/onboarding", cfg.Gate.OnboardingPath)
	assert.Equal(t, "next", cfg.Gate.ContinueParam)
	assert.Equal(t, "/app", cfg.Gate.ProtectedPrefix)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("gate:\n  cache: sqlite\n  cache_ttl: 90s\n"))
	require.NoError(t, err)
	assert.Equal(t, CacheSQLite, cfg.Gate.Cache)
	assert.Equal(t, 90*time.Second, cfg.Gate.CacheTTL)
	assert.Equal(t, "/app", cfg.Gate.ProtectedPrefix)
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"bad cache", "gate:\n  cache: redis\n", "config.gate.cache"},
		{"zero ttl", "gate:\n  cache_ttl: 0s\n", "config.gate.cache_ttl"},
		{"relative onboarding", "gate:\n  onboarding_path: onboarding\n", "config.gate.onboarding_path"},
		{"empty continue", "gate:\n  continue_param: \"\"\n", "config.gate.continue_param"},
		{"onboarding under prefix", "gate:\n  onboarding_path: /app/onboarding\n", "protected_prefix"},
		{"base path", "server:\n  base_path: v1\n", "config.server.base_path"},
		{"empty addr", "server:\n  addr: \"\"\n", "config.server.addr"},
		{"webhook without url", "webhooks:\n  - events: [snapshot.set]\n", "config.webhooks[0].url is required"},
		{"webhook scheme", "webhooks:\n  - url: ftp://example.com\n", "config.webhooks[0].url"},
		{"webhook timeout", "webhooks:\n  - url: https://example.com\n    timeout_seconds: -1\n", "timeout_seconds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestWebhooks(t *testing.T) {
	cfg, err := FromYAML([]byte(`webhooks:
  - url: https://example.com/a
    events: [snapshot.set]
    secret: s3cret
  - url: https://example.com/b
    enabled: false
`))
	require.NoError(t, err)
	require.Len(t, cfg.Webhooks, 2)
	assert.Equal(t, []string{"snapshot.set"}, cfg.Webhooks[0].Events)
	assert.True(t, cfg.Webhooks[0].Active())
	assert.False(t, cfg.Webhooks[1].Active())
	assert.Empty(t, Default().Webhooks)
}

func TestInvalidYAML(t *testing.T) {
	_, err := FromYAML([]byte("gate: ["))
	assert.ErrorContains(t, err, "invalid config yaml")
}

func TestLoadAndLoadOptional(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	assert.ErrorContains(t, err, "not found")

	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "onboardgate.yml"), []byte("server:\n  addr: :9000\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, Path(dir), filepath.Join(dir, "onboardgate.yml"))
}
