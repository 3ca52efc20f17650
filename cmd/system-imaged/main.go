// Package main is the system-imaged daemon: it loads configuration,
// wires together every update-engine collaborator, and serves the
// unix-socket REST API the CLI and other local clients talk to.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/lxc/system-imaged/internal/channels"
	"github.com/lxc/system-imaged/internal/config"
	"github.com/lxc/system-imaged/internal/download"
	"github.com/lxc/system-imaged/internal/download/httpd"
	"github.com/lxc/system-imaged/internal/download/ipcd"
	"github.com/lxc/system-imaged/internal/engine"
	"github.com/lxc/system-imaged/internal/hooks"
	"github.com/lxc/system-imaged/internal/keyring"
	"github.com/lxc/system-imaged/internal/phasing"
	"github.com/lxc/system-imaged/internal/rest"
	"github.com/lxc/system-imaged/internal/service"
	"github.com/lxc/system-imaged/internal/settings"
	"github.com/lxc/system-imaged/internal/staging"
	"github.com/lxc/system-imaged/internal/state"
)

var (
	configDir = "/etc/system-image.d"
	varPath   = "/var/lib/system-imaged"
	runPath   = "/run/system-imaged"
)

func main() {
	if os.Getuid() != 0 {
		_, _ = fmt.Fprintln(os.Stderr, "system-imaged must be run as root")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error(err.Error())

		// Give the log handler a moment to flush before exiting.
		time.Sleep(1 * time.Second)

		code := 1
		if errors.Is(err, service.ErrAlreadyRunning) {
			code = 2
		}

		os.Exit(code)
	}
}

func run() error {
	ctx := context.Background()

	if err := os.MkdirAll(varPath, 0o700); err != nil && !os.IsExist(err) {
		return err
	}

	if err := os.MkdirAll(runPath, 0o700); err != nil && !os.IsExist(err) {
		return err
	}

	svc, idleTimer, scheduler, err := startup(ctx)
	if err != nil {
		return err
	}

	defer idleTimer.Stop()
	defer scheduler.Shutdown() //nolint:errcheck

	if err := svc.AcquireSingleInstanceLock(filepath.Join(runPath, "lock")); err != nil {
		return err
	}

	defer svc.ReleaseSingleInstanceLock()

	srv, err := rest.NewServer(ctx, svc, filepath.Join(runPath, "unix.socket"))
	if err != nil {
		return err
	}

	scheduler.Start()

	slog.InfoContext(ctx, "system-imaged started")

	return srv.Serve(ctx)
}

// startup loads configuration and wires every collaborator the engine
// needs, returning the service façade, its idle timer, and the periodic
// check scheduler.
func startup(ctx context.Context) (*service.Service, *phasing.IdleTimer, *phasing.Scheduler, error) {
	slog.InfoContext(ctx, "Loading configuration", slog.String("dir", configDir))

	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading configuration: %w", err)
	}

	st, err := state.LoadOrCreate(filepath.Join(varPath, "state.json"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading state: %w", err)
	}

	// svc is assigned below, once the engine it depends on exists. The
	// store only invokes onChange after startup returns, so the closure
	// always sees it populated by the time a real write happens.
	var svc *service.Service

	settingsStore, err := settings.Open(ctx, filepath.Join(varPath, "settings.db"), func(key, value string) {
		slog.InfoContext(ctx, "Setting changed", slog.String("key", key), slog.String("value", value))

		if svc != nil {
			svc.NotifySettingChanged(key, value)
		}
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening settings store: %w", err)
	}

	endpoints := channels.Endpoints{
		BaseHost:  cfg.Service.BaseHost,
		HTTPPort:  cfg.Service.HTTPPort,
		HTTPSPort: cfg.Service.HTTPSPort,
	}

	httpClient := &http.Client{Timeout: cfg.System.Timeout}

	scheme := "https"
	port := cfg.Service.HTTPSPort

	if cfg.Service.HTTPSPort == "disabled" {
		scheme = "http"
		port = cfg.Service.HTTPPort
	}

	baseURL := fmt.Sprintf("%s://%s:%s", scheme, cfg.Service.BaseHost, port)

	keyringPaths := map[keyring.Identity]string{
		keyring.ArchiveMaster: cfg.GPG.ArchiveMaster,
		keyring.ImageMaster:   cfg.GPG.ImageMaster,
		keyring.ImageSigning:  cfg.GPG.ImageSigning,
		keyring.DeviceSigning: cfg.GPG.DeviceSigning,
	}

	keyrings := keyring.New(keyringPaths, keyring.NewHTTPFetcher(baseURL, httpClient))

	chFetcher := channels.New(endpoints, httpClient, cfg.System.TempDir)

	gate := phasing.NewGatingPolicy()

	dl, err := newDownloader(ctx, cfg, httpClient, gate)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("setting up downloader: %w", err)
	}

	deviceQuery, err := hooks.Device(cfg.Hooks.Device)
	if err != nil {
		return nil, nil, nil, err
	}

	scorer, err := hooks.Scorer(cfg.Hooks.Scorer)
	if err != nil {
		return nil, nil, nil, err
	}

	applyFn, err := hooks.Apply(cfg.Hooks.Apply)
	if err != nil {
		return nil, nil, nil, err
	}

	if cfg.Service.Device == "" {
		name, err := deviceQuery.DeviceName(ctx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("determining device name: %w", err)
		}

		cfg.Service.Device = name
	}

	eng := engine.New(engine.Deps{
		Config:      cfg,
		Keyrings:    keyrings,
		Channels:    chFetcher,
		Downloader:  dl,
		Stager:      staging.New(),
		State:       st,
		Settings:    settingsStore,
		Gate:        gate,
		DeviceQuery: deviceQuery,
		ApplyFn:     applyFn,
		Scorer:      scorer,
	})

	idleTimer := phasing.NewIdleTimer(cfg.DBus.Lifetime, func() {
		slog.InfoContext(ctx, "Idle lifetime elapsed, exiting")
		os.Exit(0)
	})

	svc = service.New(eng, idleTimer)

	scheduler, err := phasing.NewScheduler()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating scheduler: %w", err)
	}

	checkFrequency := cfg.System.CheckFrequency
	if checkFrequency <= 0 {
		checkFrequency = 6 * time.Hour
	}

	err = scheduler.RegisterIntervalJob("periodic-check", checkFrequency, func(ctx context.Context) error {
		_, err := svc.Check(ctx, engine.CheckOptions{OverridePercentage: -1})

		return err
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("registering periodic check job: %w", err)
	}

	return svc, idleTimer, &scheduler, nil
}

// newDownloader selects the download backend: "ipc" in the
// SYSTEM_IMAGED_DOWNLOAD_BACKEND environment variable picks the
// download-manager backend, anything else the in-process HTTP backend.
func newDownloader(ctx context.Context, cfg *config.Config, httpClient *http.Client, gate *phasing.GatingPolicy) (download.Downloader, error) {
	backendName := os.Getenv("SYSTEM_IMAGED_DOWNLOAD_BACKEND")

	if backendName == "ipc" {
		socketURL := os.Getenv("SYSTEM_IMAGED_DOWNLOAD_MANAGER_URL")
		if socketURL == "" {
			socketURL = "ws://localhost/download-manager"
		}

		return ipcd.Dial(ctx, socketURL)
	}

	_ = cfg

	return httpd.New(httpClient, gate), nil
}
