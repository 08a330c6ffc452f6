package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "be-plt-approvals", cfg.Service.Name)
	assert.Equal(t, "local", cfg.Service.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Dispatcher.MaxAttempts)
	assert.Equal(t, 24*time.Hour, cfg.Escalation.GraceWindow)
	assert.Equal(t, []string{"TEAM_LEAD", "DEPARTMENT_MANAGER", "FINANCE_DIRECTOR", "CFO"}, cfg.Escalation.RoleLadder)
}

func TestLoadFromFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  environment: staging
  log_level: debug
server:
  port: 9090
escalation:
  max_escalations: 5
  role_ladder: [LEAD, VP]
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("HTTP_PORT", "9999")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Service.Environment)
	assert.Equal(t, "debug", cfg.Service.LogLevel)
	assert.Equal(t, 9999, cfg.Server.Port, "environment wins over the file")
	assert.Equal(t, 5, cfg.Escalation.MaxEscalations)
	assert.Equal(t, []string{"LEAD", "VP"}, cfg.Escalation.RoleLadder)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("DISPATCHER_MAX_ATTEMPTS", "0")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	t.Setenv("CONFIG_FILE", "/does/not/exist.yaml")
	_, err := Load()
	assert.Error(t, err)
}
