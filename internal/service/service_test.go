package service_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lxc/system-imaged/internal/config"
	"github.com/lxc/system-imaged/internal/engine"
	"github.com/lxc/system-imaged/internal/service"
	"github.com/lxc/system-imaged/internal/settings"
	"github.com/lxc/system-imaged/internal/state"
)

func newTestService(t *testing.T) *service.Service {
	t.Helper()

	st, err := state.LoadOrCreate(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	settingsStore, err := settings.Open(context.Background(), filepath.Join(t.TempDir(), "settings.db"), nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = settingsStore.Close() })

	eng := engine.New(engine.Deps{State: st, Settings: settingsStore})

	return service.New(eng, nil)
}

func newTestServiceWithReset(t *testing.T, dataPartition string) *service.Service {
	t.Helper()

	st, err := state.LoadOrCreate(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	settingsStore, err := settings.Open(context.Background(), filepath.Join(t.TempDir(), "settings.db"), nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = settingsStore.Close() })

	eng := engine.New(engine.Deps{
		Config:   &config.Config{Updater: config.Updater{DataPartition: dataPartition}},
		State:    st,
		Settings: settingsStore,
		ApplyFn:  func(context.Context, string) error { return nil },
	})

	return service.New(eng, nil)
}

func TestSingleInstanceLockRejectsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")

	a := newTestService(t)
	require.NoError(t, a.AcquireSingleInstanceLock(path))

	b := newTestService(t)
	err := b.AcquireSingleInstanceLock(path)
	require.ErrorIs(t, err, service.ErrAlreadyRunning)

	a.ReleaseSingleInstanceLock()

	require.NoError(t, b.AcquireSingleInstanceLock(path))
	b.ReleaseSingleInstanceLock()
}

func TestSettingsProxyRoundTrips(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.SetSetting(ctx, settings.KeyMinBattery, "25"))

	value, err := s.GetSetting(ctx, settings.KeyMinBattery)
	require.NoError(t, err)
	require.Equal(t, "25", value)

	shown, err := s.ShowSettings(ctx)
	require.NoError(t, err)
	require.Equal(t, "25", shown[settings.KeyMinBattery])

	require.NoError(t, s.DelSetting(ctx, settings.KeyMinBattery))

	value, err = s.GetSetting(ctx, settings.KeyMinBattery)
	require.NoError(t, err)
	require.Equal(t, "0", value)
}

func TestFactoryResetEmitsRebootingThenAppliedEvents(t *testing.T) {
	dataPartition := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataPartition, "current_build"), []byte("100"), 0o600))

	s := newTestServiceWithReset(t, dataPartition)

	events := s.Subscribe()

	require.NoError(t, s.FactoryReset(context.Background()))

	require.Equal(t, service.EventRebooting, (<-events).Kind)
	require.Equal(t, service.EventApplied, (<-events).Kind)

	entries, err := os.ReadDir(dataPartition)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCancelWithNoDownloadInFlightEmitsNoEvent(t *testing.T) {
	s := newTestService(t)
	events := s.Subscribe()

	require.NoError(t, s.Cancel(context.Background()))

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for a cancel with nothing active: %+v", ev)
	default:
	}
}

func TestDownloadFailureIncrementsConsecutiveFailureCounter(t *testing.T) {
	s := newTestService(t)
	events := s.Subscribe()
	ctx := context.Background()

	// No check has resolved a winning path, so Download fails fast with a
	// structural error every time, letting the counter be driven directly.
	require.Error(t, s.Download(ctx, false))
	ev := <-events
	require.Equal(t, service.EventFailed, ev.Kind)
	require.Equal(t, 1, ev.FailureCount)

	require.Error(t, s.Download(ctx, false))
	ev = <-events
	require.Equal(t, 2, ev.FailureCount)
}

func TestSetSettingEmitsSettingChangedOnlyOnActualChange(t *testing.T) {
	var s *service.Service

	st, err := state.LoadOrCreate(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	settingsStore, err := settings.Open(context.Background(), filepath.Join(t.TempDir(), "settings.db"), func(key, value string) {
		s.NotifySettingChanged(key, value)
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = settingsStore.Close() })

	eng := engine.New(engine.Deps{State: st, Settings: settingsStore})
	s = service.New(eng, nil)

	events := s.Subscribe()
	ctx := context.Background()

	require.NoError(t, s.SetSetting(ctx, settings.KeyMinBattery, "25"))
	ev := <-events
	require.Equal(t, service.EventSettingChanged, ev.Kind)
	require.Equal(t, settings.KeyMinBattery+"=25", ev.Message)

	// Same value again: the store's onChange gate sees no actual change,
	// so nothing should be emitted.
	require.NoError(t, s.SetSetting(ctx, settings.KeyMinBattery, "25"))

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for a no-op write: %+v", ev)
	default:
	}

	// An invalid value for a predefined key is silently ignored by the
	// store, so it must not emit either.
	require.NoError(t, s.SetSetting(ctx, settings.KeyMinBattery, "not-a-number"))

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for a rejected write: %+v", ev)
	default:
	}
}

func TestProductionResetLeavesMarkerAndReleasesTheOperationLock(t *testing.T) {
	dataPartition := t.TempDir()

	s := newTestServiceWithReset(t, dataPartition)

	require.NoError(t, s.ProductionReset(context.Background()))
	require.FileExists(t, filepath.Join(dataPartition, "production_mode"))

	// The operation lock is released once ProductionReset returns, so a
	// second operation can proceed immediately.
	require.NoError(t, s.Apply(context.Background()))
}
