package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuswal/walrelay/core"
	"github.com/nexuswal/walrelay/wal"
)

func TestLoadAppliesDefaultsWithNilReader(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "./data/wal", cfg.WAL.Dir)
	assert.Equal(t, "write", cfg.WAL.SyncMode)
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	yamlDoc := `
wal:
  dir: /var/lib/walnode
  sync_mode: fsync
`
	cfg, err := Load(strings.NewReader(yamlDoc))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/walnode", cfg.WAL.Dir)
	assert.Equal(t, "fsync", cfg.WAL.SyncMode)
	// Untouched fields keep their defaults.
	assert.Equal(t, int64(16384), int64(cfg.WAL.RingCapacity))
}

func TestSyncPolicyAndCompressionMapping(t *testing.T) {
	c := WALConfig{SyncMode: "fsync", CompressionName: "snappy"}
	policy, err := c.SyncPolicy()
	require.NoError(t, err)
	assert.Equal(t, wal.SyncFsync, policy)

	compression, err := c.Compression()
	require.NoError(t, err)
	assert.Equal(t, core.CompressionSnappy, compression)

	lz4Compression, err := (&WALConfig{CompressionName: "lz4"}).Compression()
	require.NoError(t, err)
	assert.Equal(t, core.CompressionLZ4, lz4Compression)

	bad := WALConfig{SyncMode: "yolo"}
	_, err = bad.SyncPolicy()
	assert.Error(t, err)
}

func TestIdentityGeneratesUUIDWhenUnset(t *testing.T) {
	var id IdentityConfig
	u1, err := id.InstanceUUIDBytes()
	require.NoError(t, err)
	u2, err := id.InstanceUUIDBytes()
	require.NoError(t, err)
	assert.NotEqual(t, u1, u2, "an unset instance_uuid generates a fresh value each call rather than caching one")
}
