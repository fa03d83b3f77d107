package configpaths

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtension(t *testing.T) {
	for format, want := range map[string]string{"json": "json", "yaml": "yaml", "yml": "yaml", "toml": "toml", "": "json"} {
		assert.Equal(t, want, Extension(format), format)
	}
}

func TestConfigCandidatePathsRoutesUserPath(t *testing.T) {
	tests := []struct {
		path string
		pick func(Candidates) []string
	}{
		{"/tmp/a.json", func(c Candidates) []string { return c.JSON }},
		{"/tmp/a.yml", func(c Candidates) []string { return c.YAML }},
		{"/tmp/a.toml", func(c Candidates) []string { return c.TOML }},
		{"/tmp/a.conf", func(c Candidates) []string { return c.JSON }},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := tt.pick(ConfigCandidatePaths(tt.path))
			require.NotEmpty(t, got)
			assert.Equal(t, tt.path, got[0])
		})
	}
}

func TestConfigCandidatePathsUsesXDG(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("XDG_CONFIG_HOME is ignored on windows")
	}
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	c := ConfigCandidatePaths("")
	assert.Contains(t, c.TOML, filepath.Join(dir, "usbtunnel", "controller.toml"))
	assert.Contains(t, c.YAML, filepath.Join(dir, "usbtunnel", "device.yml"))
}

func TestEnsureDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "config.json")
	require.NoError(t, EnsureDir(path))
	assert.DirExists(t, filepath.Dir(path))
}
