package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func missingEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StoreMemory, cfg.StoreBackend)
	assert.Equal(t, LockMemory, cfg.LockBackend)
	assert.Equal(t, 10*time.Minute, cfg.ExecTimeout)
	assert.EqualValues(t, 4, cfg.MaxConcurrent)
	assert.True(t, cfg.NetworkDisabled)
	assert.True(t, cfg.CleanupImages)
	assert.False(t, cfg.DockerTLS())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("EXEC_TIMEOUT", "90")
	t.Setenv("BUILD_RETRY_DELAY", "250ms")
	t.Setenv("STORE_BACKEND", "Mongo")
	t.Setenv("NETWORK_DISABLED", "false")
	t.Setenv("MAX_CONCURRENT_EXECUTIONS", "8")

	cfg, err := Load(missingEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.ExecTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.BuildRetryDelay)
	assert.Equal(t, StoreMongo, cfg.StoreBackend)
	assert.False(t, cfg.NetworkDisabled)
	assert.EqualValues(t, 8, cfg.MaxConcurrent)
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("HTTP_ADDR=:9090\nWORKER_COUNT=2\n"), 0644))
	t.Cleanup(func() {
		os.Unsetenv("HTTP_ADDR")
		os.Unsetenv("WORKER_COUNT")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 2, cfg.Workers)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("WORKER_COUNT", "many")
	t.Setenv("LOCK_BACKEND", "etcd")

	_, err := Load(missingEnvFile(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_COUNT")
}

func TestValidatePartialTLS(t *testing.T) {
	t.Setenv("DOCKER_TLS_CA", "/certs/ca.pem")

	_, err := Load(missingEnvFile(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DOCKER_TLS")
}
