package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wykurz/rcp-sub000/internal/wire"
)

func TestLoadDefaults(t *testing.T) {
	o, err := Load("")
	require.NoError(t, err)
	require.NoError(t, o.Validate())

	assert.EqualValues(t, 100, o.MaxConnections)
	assert.EqualValues(t, 4, o.PendingWritesMultiplier)
	assert.Equal(t, "lan", o.NetworkProfile)
	assert.EqualValues(t, 15, o.ConnTimeoutSec)
	assert.EqualValues(t, 16<<20, o.BufferSize())
}

func TestLoadSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rcp.yml")
	require.NoError(t, os.WriteFile(path, []byte(
		"network_profile: wan\nmax_connections: 10\ncompress: true\n"), 0o644))

	o, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, o.Validate())
	assert.Equal(t, "wan", o.NetworkProfile)
	assert.EqualValues(t, 10, o.MaxConnections)
	assert.True(t, o.Compress)
	assert.EqualValues(t, 2<<20, o.BufferSize(), "wan profile shrinks the buffer")
}

func TestLoadMissingSettingsFileIsFine(t *testing.T) {
	o, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	require.NoError(t, err)
	assert.EqualValues(t, 100, o.MaxConnections)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RCP_MAX_CONNECTIONS", "7")
	t.Setenv("RCP_NETWORK_PROFILE", "wan")
	o, err := Load("")
	require.NoError(t, err)
	assert.EqualValues(t, 7, o.MaxConnections)
	assert.Equal(t, "wan", o.NetworkProfile)
}

func TestValidateRejectsBadProfile(t *testing.T) {
	o, err := Load("")
	require.NoError(t, err)
	o.NetworkProfile = "dialup"
	assert.Error(t, o.Validate())
}

func TestValidateCompareRequiresOverwrite(t *testing.T) {
	o, err := Load("")
	require.NoError(t, err)
	o.OverwriteCompare = "size,mtime"
	assert.Error(t, o.Validate())
	o.Overwrite = true
	assert.NoError(t, o.Validate())
}

func TestPreserveSpecResolution(t *testing.T) {
	o, err := Load("")
	require.NoError(t, err)

	spec, err := o.PreserveSpec()
	require.NoError(t, err)
	assert.False(t, spec.File.Any(), "no preservation by default")

	o.Preserve = true
	spec, err = o.PreserveSpec()
	require.NoError(t, err)
	assert.Equal(t, wire.DefaultPreserveSpec(), spec)

	o.PreserveSettings = "f:time"
	spec, err = o.PreserveSpec()
	require.NoError(t, err)
	assert.True(t, spec.File.Times)
	assert.False(t, spec.File.UID, "explicit settings replace --preserve")
}

func TestDryRunMode(t *testing.T) {
	o := &Options{}
	assert.Equal(t, wire.DryRunOff, o.DryRunMode())
	o.DryRun = "all"
	assert.Equal(t, wire.DryRunAll, o.DryRunMode())
}

func TestExplicitBufferSizeWins(t *testing.T) {
	o, err := Load("")
	require.NoError(t, err)
	o.RemoteCopyBufferSize = 123456
	assert.EqualValues(t, 123456, o.BufferSize())
}
