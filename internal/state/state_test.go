package state_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lxc/system-imaged/internal/state"
)

func TestLoadOrCreateInitializesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := state.LoadOrCreate(path)
	require.NoError(t, err)
	require.Equal(t, state.PhaseIdle, s.Phase)

	require.FileExists(t, path)
}

func TestSaveAndReloadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := state.LoadOrCreate(path)
	require.NoError(t, err)

	require.NoError(t, s.Update(func(s *state.State) {
		s.CurrentBuild = 42
		s.Channel = "stable"
		s.Phase = state.PhaseStaged
	}))

	reloaded, err := state.LoadOrCreate(path)
	require.NoError(t, err)
	require.Equal(t, 42, reloaded.CurrentBuild)
	require.Equal(t, "stable", reloaded.Channel)
	require.Equal(t, state.PhaseStaged, reloaded.Phase)
}

func TestUpdateLeavesNoTemporaryFilesBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s, err := state.LoadOrCreate(path)
	require.NoError(t, err)

	require.NoError(t, s.Update(func(s *state.State) { s.CurrentBuild = 7 }))

	entries, err := filepath.Glob(filepath.Join(dir, ".state-*.json"))
	require.NoError(t, err)
	require.Empty(t, entries)
}
