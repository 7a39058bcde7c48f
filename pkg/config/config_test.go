package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Hubmakerlabs/syncr/pkg/config"
	"github.com/Hubmakerlabs/syncr/pkg/syncflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile", config.FileName)
	c := config.Default()
	c.Relays = []string{"wss://a.example"}
	c.TraceTimeout = config.Duration(3 * time.Second)
	require.NoError(t, c.Save(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"trace_timeout": "3s"`)

	loaded := config.Default()
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, c, loaded)
}

func TestLoadKeepsUnsetFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"pick_n": 4}`), 0600))
	c := config.Default()
	require.NoError(t, c.Load(path))
	assert.Equal(t, 4, c.PickN)
	assert.Equal(t, config.Default().CancelGrace, c.CancelGrace)

	assert.Error(t, c.Load(filepath.Join(t.TempDir(), "missing.json")))
}

func TestValidate(t *testing.T) {
	for name, tc := range map[string]struct {
		edit func(c *config.Config)
		err  error
	}{
		"default":      {func(*config.Config) {}, nil},
		"range sync":   {func(c *config.Config) { c.SyncMethod = "range-sync" }, nil},
		"no limit":     {func(c *config.Config) { c.FrameLimit = 0 }, nil},
		"bad method":   {func(c *config.Config) { c.SyncMethod = "rsync" }, config.ErrSyncMethod},
		"small frames": {func(c *config.Config) { c.FrameLimit = 100 }, config.ErrFrameLimit},
	} {
		t.Run(name, func(t *testing.T) {
			c := config.Default()
			tc.edit(c)
			err := c.Validate()
			if tc.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestDerivedOptions(t *testing.T) {
	c := config.Default()
	c.SyncMethod = string(syncflow.RangeSync)
	c.SyncWindow = config.Duration(time.Hour)
	o := c.SyncOptions()
	assert.Equal(t, syncflow.RangeSync, o.Method)
	assert.Equal(t, time.Hour, o.Window)
	assert.Equal(t, syncflow.DefaultFrameLimit, o.FrameLimit)
	assert.Equal(t, 2*time.Second, c.Backoff().Base)
	assert.Equal(t, 5*time.Minute, c.Backoff().Max)
	assert.Equal(t, 29*time.Second, c.Timeouts().Ping)
}
