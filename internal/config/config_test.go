package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AGENTGATE_TOKEN", "test-token")
	t.Setenv("AGENTGATE_ALLOWED_ROOTS", "/srv/work")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "test-token", cfg.Token)
	assert.Equal(t, []string{"/srv/work"}, cfg.AllowedRoots)
	assert.Equal(t, "127.0.0.1:8787", cfg.Addr())
	assert.Equal(t, "claude", cfg.AgentBin)
	assert.Equal(t, 50, cfg.MaxTurnsCap)
	assert.Equal(t, 1800, cfg.TimeoutCapSeconds)
	assert.Equal(t, 5, cfg.KillGraceSeconds)
	assert.Equal(t, 200, cfg.LogtailMaxLines)
	assert.Equal(t, 4000, cfg.ExcerptMaxChars)
	assert.Equal(t, DefaultDenyGlobs, cfg.DenyGlobs)
}

func TestEnvOverridesFile(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("AGENTGATE_PORT", "9001")
	t.Setenv("AGENTGATE_ALLOWED_ROOTS", "/srv/a, /srv/b ,")
	t.Setenv("AGENTGATE_DENY_GLOBS", "**/*.secret")

	file := filepath.Join(t.TempDir(), "gate.yaml")
	require.NoError(t, os.WriteFile(file, []byte("port: 8000\nbind: 0.0.0.0\nagent_bin: other-agent\n"), 0o644))

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Port, "environment wins over the file")
	assert.Equal(t, "0.0.0.0", cfg.Bind, "file wins over the default")
	assert.Equal(t, "other-agent", cfg.AgentBin)
	assert.Equal(t, []string{"/srv/a", "/srv/b"}, cfg.AllowedRoots)
	assert.Equal(t, []string{"**/*.secret"}, cfg.DenyGlobs)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "missing token",
			env:  map[string]string{"AGENTGATE_TOKEN": "", "AGENTGATE_ALLOWED_ROOTS": "/srv/work"},
			want: "AGENTGATE_TOKEN",
		},
		{
			name: "missing roots",
			env:  map[string]string{"AGENTGATE_TOKEN": "tok", "AGENTGATE_ALLOWED_ROOTS": ""},
			want: "AGENTGATE_ALLOWED_ROOTS",
		},
		{
			name: "relative root",
			env:  map[string]string{"AGENTGATE_TOKEN": "tok", "AGENTGATE_ALLOWED_ROOTS": "relative/path"},
			want: "not absolute",
		},
		{
			name: "port out of range",
			env: map[string]string{
				"AGENTGATE_TOKEN": "tok", "AGENTGATE_ALLOWED_ROOTS": "/srv/work",
				"AGENTGATE_PORT": "70000",
			},
			want: "out of range",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	setRequiredEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}
