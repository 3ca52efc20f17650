// Package channels downloads and verifies channels.json and the
// per-channel/per-device index.json and resolves channel aliases. It
// applies no device blacklist and does no candidate selection: the parsed
// index is handed to the resolver as is.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lxc/system-imaged/internal/keyring"
	"github.com/lxc/system-imaged/internal/model"
	"github.com/lxc/system-imaged/internal/sig"
)

// ErrChannelNotFound is returned when the configured channel has no entry
// in channels.json.
var ErrChannelNotFound = errors.New("channel not found")

// ErrDeviceNotFound is returned when the configured device has no entry
// under the resolved channel.
var ErrDeviceNotFound = errors.New("device not found in channel")

// ErrSignatureInvalid is returned when a downloaded file's detached
// signature fails to verify against the trusted keyring union.
var ErrSignatureInvalid = errors.New("signature verification failed")

// Endpoints describes where to reach the image service.
type Endpoints struct {
	// BaseHost, e.g. "system-image.example.org" (no scheme or port; both
	// are added when a URL is built).
	BaseHost  string
	HTTPPort  string // "disabled" to never use HTTP.
	HTTPSPort string // "disabled" to never use HTTPS.
}

// preferredScheme returns "https" unless disabled, falling back to "http".
func (e Endpoints) preferredScheme() (string, error) {
	if e.HTTPSPort != "disabled" {
		return "https", nil
	}

	if e.HTTPPort != "disabled" {
		return "http", nil
	}

	return "", errors.New("both http and https are disabled")
}

// Fetcher downloads and verifies channel/index documents.
type Fetcher struct {
	endpoints Endpoints
	client    *http.Client
	tempDir   string
}

// New creates a Fetcher.
func New(endpoints Endpoints, client *http.Client, tempDir string) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}

	return &Fetcher{endpoints: endpoints, client: client, tempDir: tempDir}
}

// FetchChannels downloads, verifies, and parses channels.json.
func (f *Fetcher) FetchChannels(ctx context.Context, trusted ...*keyring.Keyring) (model.Channels, error) {
	data, err := f.fetchVerified(ctx, "channels.json", trusted...)
	if err != nil {
		return nil, err
	}

	var channels model.Channels

	if err := json.Unmarshal(data, &channels); err != nil {
		return nil, fmt.Errorf("parsing channels.json: %w", err)
	}

	return channels, nil
}

// ResolveChannel follows a single alias hop (per spec: channel to device
// mapping is resolved after alias lookup), returning the channel's device
// map and whether the current build number must be squashed to 0 because
// this is a first boot into an alias.
func ResolveChannel(channels model.Channels, channelName string, recordedChannelTarget string) (resolved model.Channel, squashBuild bool, err error) {
	ch, ok := channels[channelName]
	if !ok {
		return model.Channel{}, false, fmt.Errorf("%w: %q", ErrChannelNotFound, channelName)
	}

	if ch.Alias == "" {
		return ch, false, nil
	}

	target, ok := channels[ch.Alias]
	if !ok {
		return model.Channel{}, false, fmt.Errorf("%w: alias target %q", ErrChannelNotFound, ch.Alias)
	}

	squash := recordedChannelTarget != ch.Alias

	return target, squash, nil
}

// FetchIndex downloads, verifies, and parses the index.json at indexPath
// (server-relative, as recorded in a channel's device entry).
func (f *Fetcher) FetchIndex(ctx context.Context, indexPath string, trusted ...*keyring.Keyring) (model.Index, error) {
	data, err := f.fetchVerified(ctx, indexPath, trusted...)
	if err != nil {
		return model.Index{}, err
	}

	var index model.Index

	if err := json.Unmarshal(data, &index); err != nil {
		return model.Index{}, fmt.Errorf("parsing index.json: %w", err)
	}

	return index, nil
}

// fetchVerified downloads serverPath and its ".asc" sibling, verifies the
// detached signature against trusted, and returns the data bytes.
func (f *Fetcher) fetchVerified(ctx context.Context, serverPath string, trusted ...*keyring.Keyring) ([]byte, error) {
	data, err := f.get(ctx, serverPath)
	if err != nil {
		return nil, err
	}

	sigData, err := f.get(ctx, serverPath+".asc")
	if err != nil {
		return nil, err
	}

	dataFile, err := os.CreateTemp(f.tempDir, "*.data")
	if err != nil {
		return nil, err
	}

	defer os.Remove(dataFile.Name())
	defer dataFile.Close()

	if _, err := dataFile.Write(data); err != nil {
		return nil, err
	}

	sigFile, err := os.CreateTemp(f.tempDir, "*.asc")
	if err != nil {
		return nil, err
	}

	defer os.Remove(sigFile.Name())
	defer sigFile.Close()

	if _, err := sigFile.Write(sigData); err != nil {
		return nil, err
	}

	ok, err := sig.Verify(dataFile.Name(), sigFile.Name(), trusted...)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSignatureInvalid, serverPath)
	}

	return data, nil
}

// get performs an HTTP GET against serverPath with bounded exponential
// backoff, preferring HTTPS unless disabled in configuration.
func (f *Fetcher) get(ctx context.Context, serverPath string) ([]byte, error) {
	scheme, err := f.endpoints.preferredScheme()
	if err != nil {
		return nil, err
	}

	port := f.endpoints.HTTPSPort
	if scheme == "http" {
		port = f.endpoints.HTTPPort
	}

	url := fmt.Sprintf("%s://%s:%s/%s", scheme, f.endpoints.BaseHost, port, serverPath)

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}

		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected HTTP status %d for %s", resp.StatusCode, url)
		}

		return io.ReadAll(resp.Body)
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
}
