package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeAndVerifyHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: starhost\n"), 0o644))

	hash, err := ComputeBlake3Hash(path)
	require.NoError(t, err)
	assert.Len(t, hash, 64, "hex-encoded 256-bit digest")

	require.NoError(t, VerifyFileHash(path, hash))

	require.NoError(t, os.WriteFile(path, []byte("service:\n  name: tampered\n"), 0o644))
	err = VerifyFileHash(path, hash)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestChecksumsRoundTrip(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	// No sidecar yet: verification is a no-op.
	require.NoError(t, VerifyChecksums(path))

	require.NoError(t, WriteChecksums(path))
	require.NoError(t, VerifyChecksums(path))

	// Locked config then edited: load must refuse it.
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig+"\nstate:\n  path: ./other.db\n"), 0o644))
	err := VerifyChecksums(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integrity")

	_, err = Load(path)
	require.Error(t, err, "Load honors the checksum")

	// Re-locking authorizes the change.
	require.NoError(t, WriteChecksums(path))
	_, err = Load(path)
	require.NoError(t, err)
}

func TestVerifyChecksumsNoEntry(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	sidecar := filepath.Join(filepath.Dir(path), ChecksumsFilename)
	require.NoError(t, os.WriteFile(sidecar, []byte("deadbeef  other.yaml\n"), 0o644))

	err := VerifyChecksums(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no entry")
}
