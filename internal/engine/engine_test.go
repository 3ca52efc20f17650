package engine_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lxc/system-imaged/internal/config"
	"github.com/lxc/system-imaged/internal/download"
	"github.com/lxc/system-imaged/internal/engine"
	"github.com/lxc/system-imaged/internal/settings"
	"github.com/lxc/system-imaged/internal/state"
)

type fakeDownloader struct {
	paused, resumed, cancelled bool
}

func (f *fakeDownloader) Enqueue(context.Context, []download.File, download.Options) (download.Handle, error) {
	return "h1", nil
}
func (f *fakeDownloader) Pause(download.Handle) error  { f.paused = true; return nil }
func (f *fakeDownloader) Resume(download.Handle) error { f.resumed = true; return nil }
func (f *fakeDownloader) Cancel(download.Handle) error { f.cancelled = true; return nil }
func (f *fakeDownloader) Progress(download.Handle) (download.Progress, error) {
	return download.Progress{}, nil
}
func (f *fakeDownloader) Wait(context.Context, download.Handle) error { return nil }

func newTestEngine(t *testing.T, dl download.Downloader) *engine.Engine {
	t.Helper()

	st, err := state.LoadOrCreate(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	settingsStore, err := settings.Open(context.Background(), filepath.Join(t.TempDir(), "settings.db"), nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = settingsStore.Close() })

	return engine.New(engine.Deps{
		State:      st,
		Settings:   settingsStore,
		Downloader: dl,
	})
}

func TestCancelWithNoDownloadInFlightIsANoop(t *testing.T) {
	e := newTestEngine(t, &fakeDownloader{})

	active, err := e.Cancel(context.Background())
	require.NoError(t, err)
	require.False(t, active)
}

func TestPauseWithNoDownloadInFlightReportsError(t *testing.T) {
	e := newTestEngine(t, &fakeDownloader{})

	err := e.Pause(context.Background())
	require.ErrorIs(t, err, engine.ErrNoDownloadInFlight)
}

func TestFactoryResetWipesDataPartitionAndInvokesApplyHook(t *testing.T) {
	dataPartition := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataPartition, "current_build"), []byte("100"), 0o600))

	st, err := state.LoadOrCreate(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	settingsStore, err := settings.Open(context.Background(), filepath.Join(t.TempDir(), "settings.db"), nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = settingsStore.Close() })

	var appliedWith string

	e := engine.New(engine.Deps{
		Config:   &config.Config{Updater: config.Updater{DataPartition: dataPartition}},
		State:    st,
		Settings: settingsStore,
		ApplyFn: func(_ context.Context, commandFilePath string) error {
			appliedWith = commandFilePath

			return nil
		},
	})

	require.NoError(t, e.FactoryReset(context.Background()))

	entries, err := os.ReadDir(dataPartition)
	require.NoError(t, err)
	require.Empty(t, entries)
	require.Empty(t, appliedWith)

	_, err = os.Stat(filepath.Join(dataPartition, "production_mode"))
	require.True(t, os.IsNotExist(err))
}

func TestApplyPromotesPendingTargetToCurrentBuild(t *testing.T) {
	dataPartition := t.TempDir()

	st, err := state.LoadOrCreate(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	require.NoError(t, st.Update(func(s *state.State) {
		s.PendingTargetBuild = 42
		s.TargetVersionDetail = "ubuntu=42,device=42"
	}))

	settingsStore, err := settings.Open(context.Background(), filepath.Join(t.TempDir(), "settings.db"), nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = settingsStore.Close() })

	e := engine.New(engine.Deps{
		Config:   &config.Config{Updater: config.Updater{CachePartition: dataPartition}},
		State:    st,
		Settings: settingsStore,
		ApplyFn:  func(context.Context, string) error { return nil },
	})

	require.NoError(t, e.Apply(context.Background()))

	snap := e.CurrentState()
	require.Equal(t, 42, snap.CurrentBuild)
	require.Equal(t, "ubuntu=42,device=42", snap.VersionDetail)
	require.Zero(t, snap.PendingTargetBuild)
	require.Empty(t, snap.TargetVersionDetail)
}

func TestProductionResetLeavesMarkerFile(t *testing.T) {
	dataPartition := t.TempDir()

	st, err := state.LoadOrCreate(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	settingsStore, err := settings.Open(context.Background(), filepath.Join(t.TempDir(), "settings.db"), nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = settingsStore.Close() })

	e := engine.New(engine.Deps{
		Config:   &config.Config{Updater: config.Updater{DataPartition: dataPartition}},
		State:    st,
		Settings: settingsStore,
		ApplyFn:  func(context.Context, string) error { return nil },
	})

	require.NoError(t, e.ProductionReset(context.Background()))
	require.FileExists(t, filepath.Join(dataPartition, "production_mode"))
}

func TestResetWithoutApplyHookFails(t *testing.T) {
	dataPartition := t.TempDir()

	st, err := state.LoadOrCreate(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	settingsStore, err := settings.Open(context.Background(), filepath.Join(t.TempDir(), "settings.db"), nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = settingsStore.Close() })

	e := engine.New(engine.Deps{
		Config:   &config.Config{Updater: config.Updater{DataPartition: dataPartition}},
		State:    st,
		Settings: settingsStore,
	})

	err = e.FactoryReset(context.Background())

	var stepErr *engine.StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, engine.StepStructural, stepErr.Kind)
}

func TestStepErrorUnwrapsAndFormats(t *testing.T) {
	inner := errors.New("boom")
	stepErr := &engine.StepError{Kind: engine.StepTransient, Err: inner}

	require.ErrorIs(t, stepErr, inner)
	require.Contains(t, stepErr.Error(), "transient")
	require.Contains(t, stepErr.Error(), "boom")
}
