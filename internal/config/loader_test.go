package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOptionsDefaults(t *testing.T) {
	opts, err := LoadOptions("")
	require.NoError(t, err)
	assert.Equal(t, "UTC", opts.Timezone)
	assert.Equal(t, 3000, opts.Port)
	assert.False(t, opts.ExposeErrors)
}

func TestLoadOptionsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "options.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"resourcesPath": "resources",
		"timezone": "Europe/Berlin",
		"allowExplain": true,
		"port": 8080,
		"dataSources": {"main": {"type": "sqlite", "options": {"dsn": "data.db"}}}
	}`), 0o644))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, "resources", opts.ResourcesPath)
	assert.Equal(t, "Europe/Berlin", opts.Timezone)
	assert.True(t, opts.AllowExplain)
	assert.Equal(t, 8080, opts.Port)
	require.Contains(t, opts.DataSources, "main")
	assert.Equal(t, "sqlite", opts.DataSources["main"].Type)

	loc, err := opts.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())
}

func TestLoadOptionsEnvOverride(t *testing.T) {
	t.Setenv("TRELLIS_PORT", "9999")
	t.Setenv("TRELLIS_EXPOSE_ERRORS", "true")
	opts, err := LoadOptions("")
	require.NoError(t, err)
	assert.Equal(t, 9999, opts.Port)
	assert.True(t, opts.ExposeErrors)
}

func TestLoadRawResources(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user.json"), []byte(`{"primaryKey": "id"}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "admin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "admin", "audit.json"), []byte(`{"primaryKey": "id"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`ignored`), 0o644))

	raw, err := LoadRawResources(dir)
	require.NoError(t, err)
	assert.Len(t, raw, 2)
	assert.Contains(t, raw, "user")
	assert.Contains(t, raw, "admin/audit")
}

func TestLoadRawResourcesEmpty(t *testing.T) {
	_, err := LoadRawResources(t.TempDir())
	assert.Error(t, err)
}

func TestLoadRawResourcesInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{broken`), 0o644))
	_, err := LoadRawResources(dir)
	assert.Error(t, err)
}
