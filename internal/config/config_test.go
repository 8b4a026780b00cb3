package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsRequireAPIKeyOrTLSCert(t *testing.T) {
	t.Setenv("CPM_DB_PATH", filepath.Join(t.TempDir(), "cpm.db"))
	_, err := Load()
	require.Error(t, err)
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	t.Setenv("CPM_DB_PATH", filepath.Join(t.TempDir(), "cpm.db"))
	t.Setenv("CHARON_BOUNCER_FS_CACHE_PATH", filepath.Join(t.TempDir(), "cache.db"))
	t.Setenv("CHARON_BOUNCER_API_KEY", "test-key")
	t.Setenv("CHARON_BOUNCER_STREAM_MODE", "true")
	t.Setenv("CHARON_BOUNCER_BAD_IP_CACHE_DURATION", "90")
	t.Setenv("CHARON_BOUNCER_EXCLUDED_URIS", "/health, /favicon.ico,")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, CacheSystemFile, cfg.CacheSystem)
	require.True(t, cfg.StreamMode)
	require.Equal(t, 90*time.Second, cfg.BadIPCacheDuration)
	require.Equal(t, []string{"/health", "/favicon.ico"}, cfg.ExcludedURIs)
	require.Equal(t, "normal", cfg.BouncingLevel)
}

func TestGetEnvDurationAcceptsPlainSecondsOrGoDuration(t *testing.T) {
	t.Setenv("CHARON_BOUNCER_TEST_DURATION", "5")
	require.Equal(t, 5*time.Second, getEnvDuration("CHARON_BOUNCER_TEST_DURATION", time.Minute))

	t.Setenv("CHARON_BOUNCER_TEST_DURATION", "2h")
	require.Equal(t, 2*time.Hour, getEnvDuration("CHARON_BOUNCER_TEST_DURATION", time.Minute))

	t.Setenv("CHARON_BOUNCER_TEST_DURATION", "")
	require.Equal(t, time.Minute, getEnvDuration("CHARON_BOUNCER_TEST_DURATION", time.Minute))
}

func TestGetEnvListDropsEmptyEntries(t *testing.T) {
	require.Nil(t, getEnvList("CHARON_BOUNCER_UNSET_LIST"))

	t.Setenv("CHARON_BOUNCER_TEST_LIST", "a, b ,, c")
	require.Equal(t, []string{"a", "b", "c"}, getEnvList("CHARON_BOUNCER_TEST_LIST"))
}
