package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
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

func newTestServerWithReset(t *testing.T, dataPartition string) *httptest.Server {
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
	svc := service.New(eng, nil)

	srv, err := NewServer(context.Background(), svc, filepath.Join(t.TempDir(), "socket"))
	require.NoError(t, err)

	return httptest.NewServer(srv.routes())
}

func TestFactoryResetRouteWipesDataPartition(t *testing.T) {
	dataPartition := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataPartition, "current_build"), []byte("100"), 0o600))

	ts := newTestServerWithReset(t, dataPartition)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/1.0/system/update/:factory-reset", "application/json", nil)
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	entries, err := os.ReadDir(dataPartition)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestProductionResetRouteLeavesMarker(t *testing.T) {
	dataPartition := t.TempDir()

	ts := newTestServerWithReset(t, dataPartition)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/1.0/system/update/:production-reset", "application/json", nil)
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.FileExists(t, filepath.Join(dataPartition, "production_mode"))
}
