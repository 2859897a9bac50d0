package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s := NewStore()
	assert.True(t, s.GetBool(MainFastmem))
	assert.True(t, s.GetBool(MainJitFollowBranch))
	assert.False(t, s.GetBool(MainEnableDebugging))
	assert.False(t, s.GetBool(MainAccurateCPUCache))
}

func TestSetBoolFiresCallbacks(t *testing.T) {
	s := NewStore()
	fired := 0
	id := s.AddChangedCallback(func() { fired++ })

	s.SetBool(MainEnableDebugging, true)
	assert.Equal(t, 1, fired)
	assert.True(t, s.GetBool(MainEnableDebugging))

	// no-op write must not fire
	s.SetBool(MainEnableDebugging, true)
	assert.Equal(t, 1, fired)

	// writing the default to an unset key must not fire either
	s.SetBool(MainFloatExceptions, false)
	assert.Equal(t, 1, fired)

	s.RemoveChangedCallback(id)
	s.SetBool(MainEnableDebugging, false)
	assert.Equal(t, 1, fired)
}

func TestRemoveUnknownCallback(t *testing.T) {
	s := NewStore()
	s.RemoveChangedCallback(42) // must not panic
}

func TestLoadFileBatchesCallbacks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dolphin.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"Main.EnableDebugging": true,
		"Main.Fastmem": false,
		"Debug.JitBranchOff": true
	}`), 0o644))

	s := NewStore()
	fired := 0
	s.AddChangedCallback(func() { fired++ })

	require.NoError(t, s.LoadFile(path))
	assert.Equal(t, 1, fired, "one batch, one callback")
	assert.True(t, s.GetBool(MainEnableDebugging))
	assert.False(t, s.GetBool(MainFastmem))
	assert.True(t, s.GetBool(MainJitBranchOff))

	// reloading identical content fires nothing
	require.NoError(t, s.LoadFile(path))
	assert.Equal(t, 1, fired)
}

func TestLoadFileMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dolphin.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

	s := NewStore()
	s.SetBool(MainFPRF, true)
	err := s.LoadFile(path)
	assert.Error(t, err)
	assert.True(t, s.GetBool(MainFPRF), "store untouched on parse error")
}

func TestLoadFileMissing(t *testing.T) {
	s := NewStore()
	assert.Error(t, s.LoadFile(filepath.Join(t.TempDir(), "nope.json")))
}
