package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
}

func TestLoadNativeFormPreservesOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeConfig(t, fs, "cfg.yaml", `
upstream:
  - id: u1
    command: ["echo", "a"]
  - id: u2
    command: ["echo", "b"]
`)

	cfg, err := Load(fs, "cfg.yaml", nil)
	require.NoError(t, err)
	require.Len(t, cfg.Upstream, 2)
	assert.Equal(t, "u1", cfg.Upstream[0].ID)
	assert.Equal(t, "u2", cfg.Upstream[1].ID)
}

func TestLoadServersFormIsEquivalentToUpstream(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeConfig(t, fs, "cfg.yaml", `
servers:
  - name: u1
    command: ["echo", "a"]
`)

	cfg, err := Load(fs, "cfg.yaml", nil)
	require.NoError(t, err)
	require.Len(t, cfg.Upstream, 1)
	assert.Equal(t, "u1", cfg.Upstream[0].ID)
}

func TestLoadMCPServersFormSkipsDisabledAndMapsToolsAllowed(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeConfig(t, fs, "cfg.yaml", `
mcpServers:
  alpha:
    command: "alpha-bin"
    args: ["--serve"]
    tools:
      allowed: ["a", "b"]
  beta:
    command: "beta-bin"
    disabled: true
`)

	cfg, err := Load(fs, "cfg.yaml", nil)
	require.NoError(t, err)
	require.Len(t, cfg.Upstream, 1)
	assert.Equal(t, "alpha", cfg.Upstream[0].ID)
	assert.Equal(t, []string{"alpha-bin", "--serve"}, cfg.Upstream[0].Command)
	assert.Equal(t, []string{"a", "b"}, cfg.Upstream[0].IncludeTools)
}

func TestLoadRejectsMixedSurfaceForms(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeConfig(t, fs, "cfg.yaml", `
upstream:
  - id: u1
    command: ["echo"]
servers:
  - id: u2
    command: ["echo"]
`)

	_, err := Load(fs, "cfg.yaml", nil)
	require.Error(t, err)
}

func TestLoadAppliesSharedDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeConfig(t, fs, "cfg.yaml", `
defaults:
  env:
    SHARED: "1"
upstream:
  - id: u1
    command: ["echo"]
  - id: u2
    command: ["echo"]
    env:
      OWN: "2"
`)

	cfg, err := Load(fs, "cfg.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", cfg.Upstream[0].Env["SHARED"])
	assert.Equal(t, "2", cfg.Upstream[1].Env["OWN"])
}

func TestLoadEnvOverrideReplacesCommand(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeConfig(t, fs, "cfg.yaml", `
upstream:
  - id: u1
    command: ["echo", "original"]
`)

	env := map[string]string{"ORCH_UPSTREAM_U1_COMMAND": "echo overridden"}
	cfg, err := Load(fs, "cfg.yaml", func(k string) string { return env[k] })
	require.NoError(t, err)
	assert.Equal(t, []string{"echo", "overridden"}, cfg.Upstream[0].Command)
}

func TestLoadDefaultsTransport(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeConfig(t, fs, "cfg.yaml", `
upstream:
  - id: u1
    command: ["echo"]
`)

	cfg, err := Load(fs, "cfg.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, "stdio", cfg.Transport.Mode)
	assert.Equal(t, 7332, cfg.Transport.Port)
}
