package doctor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebojsa-prodana/automation-client/internal/config"
)

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	entry := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(entry, []byte("#!/bin/sh\n"), 0o755))

	cfg := config.Defaults()
	cfg.Pool.WorkerEntrypoint = entry
	cfg.History.Path = filepath.Join(dir, "automation.db")
	cfg.API.AuthToken = "tok"
	return cfg
}

func TestValidateOK(t *testing.T) {
	r := New(validConfig(t)).Validate()
	assert.True(t, r.Valid)
	assert.Empty(t, r.Errors)
	assert.Empty(t, r.Warnings)
}

func TestMissingEntrypoint(t *testing.T) {
	cfg := validConfig(t)
	cfg.Pool.WorkerEntrypoint = filepath.Join(t.TempDir(), "nope")

	r := New(cfg).Validate()
	assert.False(t, r.Valid)
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "pool.worker_entrypoint", r.Errors[0].Field)
}

func TestNonExecutableEntrypoint(t *testing.T) {
	cfg := validConfig(t)
	plain := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(plain, []byte("#!/bin/sh\n"), 0o644))
	cfg.Pool.WorkerEntrypoint = plain

	r := New(cfg).Validate()
	assert.False(t, r.Valid)
}

func TestBadListenAddress(t *testing.T) {
	cfg := validConfig(t)
	cfg.API.Listen = "not-an-address"

	r := New(cfg).Validate()
	assert.False(t, r.Valid)
}

func TestWarnsWithoutAuthToken(t *testing.T) {
	cfg := validConfig(t)
	cfg.API.AuthToken = ""

	r := New(cfg).Validate()
	assert.True(t, r.Valid)
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, "api.auth_token", r.Warnings[0].Field)
}

func TestWarnsOnExtremeSizing(t *testing.T) {
	cfg := validConfig(t)
	cfg.Pool.NumWorkers = 100
	cfg.Pool.MaxConcurrentPerWorker = 100

	r := New(cfg).Validate()
	assert.True(t, r.Valid)
	assert.Len(t, r.Warnings, 2)
}

func TestSkipsDisabledSubsystems(t *testing.T) {
	cfg := validConfig(t)
	cfg.API.Enabled = false
	cfg.API.Listen = "garbage"
	cfg.History.Enabled = false
	cfg.History.Path = ""

	r := New(cfg).Validate()
	assert.True(t, r.Valid)
}
