package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lxc/system-imaged/internal/config"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadMergesInNumericOrder(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "00_defaults.ini", "[service]\nchannel: stable\nbase_host: https://example.org\nhttp_port: 80\nhttps_port: 443\n\n[system]\ntimeout: 2h\n")
	writeFile(t, dir, "10_override.ini", "[service]\nchannel: daily\n")

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	require.Equal(t, "daily", cfg.Service.Channel)
	require.Equal(t, "https://example.org", cfg.Service.BaseHost)
	require.Equal(t, 2*time.Hour, cfg.System.Timeout)
}

func TestLoadSkipsNonMatchingAndDanglingSymlink(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "05_a.ini", "[service]\nchannel: stable\nhttp_port: 80\nhttps_port: 443\n")
	writeFile(t, dir, "notes.txt", "ignored")

	require.NoError(t, os.Symlink(filepath.Join(dir, "missing.ini"), filepath.Join(dir, "01_dangling.ini")))

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	require.Equal(t, "stable", cfg.Service.Channel)
}

func TestLoadBothProtocolsDisabledIsFatal(t *testing.T) {
	dir := t.TempDir()

	writeFile(t, dir, "00_a.ini", "[service]\nchannel: stable\nhttp_port: disabled\nhttps_port: disabled\n")

	_, err := config.Load(dir)
	require.ErrorIs(t, err, config.ErrBothProtocolsDisabled)
}

func TestParseDurationUnits(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "00_a.ini", "[service]\nhttp_port: 80\nhttps_port: 443\n\n[dbus]\nlifetime: 10m\n")

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, cfg.DBus.Lifetime)
}
