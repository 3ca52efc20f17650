// Package engine drives the update state machine: config → keyrings →
// channels → index → path resolution → download → staging → apply,
// wiring together every other internal package.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/lxc/system-imaged/internal/channels"
	"github.com/lxc/system-imaged/internal/config"
	"github.com/lxc/system-imaged/internal/download"
	"github.com/lxc/system-imaged/internal/hooks"
	"github.com/lxc/system-imaged/internal/keyring"
	"github.com/lxc/system-imaged/internal/model"
	"github.com/lxc/system-imaged/internal/phasing"
	"github.com/lxc/system-imaged/internal/resolver"
	"github.com/lxc/system-imaged/internal/settings"
	"github.com/lxc/system-imaged/internal/sig"
	"github.com/lxc/system-imaged/internal/staging"
	"github.com/lxc/system-imaged/internal/state"
)

// StepKind classifies why a step failed, driving the engine's retry
// policy.
type StepKind string

const (
	StepTransient  StepKind = "transient"  // network/IO hiccup: bounded retry.
	StepSignature  StepKind = "signature"  // bad/expired key: one re-pull, one retry, then fatal.
	StepStructural StepKind = "structural" // malformed data: fatal immediately.
	StepPolicy     StepKind = "policy"     // gated by rollout/phase policy: terminal NoUpdate.
)

// StepError wraps an underlying error with its retry classification.
type StepError struct {
	Kind StepKind
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *StepError) Unwrap() error { return e.Err }

// ErrNoDownloadInFlight is returned by Pause/Resume when there is no
// download batch to act on. Cancel is different: per spec it is a no-op
// (not an error) with nothing in flight, reported via its bool return.
var ErrNoDownloadInFlight = errors.New("no download in flight")

// ErrCancelled is returned by Download when its batch was cancelled by a
// concurrent Cancel call rather than failing on its own.
var ErrCancelled = errors.New("cancelled")

// CheckResult summarizes the outcome of a Check step.
type CheckResult struct {
	UpdateAvailable bool
	TargetVersion   int
	Path            model.CandidatePath
}

// Engine owns every collaborator needed to take a device from its current
// build to the winning candidate path's target build.
type Engine struct {
	cfg         *config.Config
	keyrings    *keyring.Store
	chFetcher   *channels.Fetcher
	downloader  download.Downloader
	stager      *staging.Stager
	st          *state.State
	settings    *settings.Store
	gate        *phasing.GatingPolicy
	deviceQuery hooks.DeviceQuery
	applyFn     hooks.ApplyFunc
	scorer      resolver.Scorer

	mu            sync.Mutex
	handle        download.Handle
	winningPath   model.CandidatePath
	localPaths    map[string]string // index "path"/"signature" field -> local file on disk
	channelsCache model.Channels
}

// Deps bundles every collaborator an Engine needs.
type Deps struct {
	Config      *config.Config
	Keyrings    *keyring.Store
	Channels    *channels.Fetcher
	Downloader  download.Downloader
	Stager      *staging.Stager
	State       *state.State
	Settings    *settings.Store
	Gate        *phasing.GatingPolicy
	DeviceQuery hooks.DeviceQuery
	ApplyFn     hooks.ApplyFunc
	Scorer      resolver.Scorer
}

// New builds an Engine from its dependencies.
func New(d Deps) *Engine {
	return &Engine{
		cfg:         d.Config,
		keyrings:    d.Keyrings,
		chFetcher:   d.Channels,
		downloader:  d.Downloader,
		stager:      d.Stager,
		st:          d.State,
		settings:    d.Settings,
		gate:        d.Gate,
		deviceQuery: d.DeviceQuery,
		applyFn:     d.ApplyFn,
		scorer:      d.Scorer,
		localPaths:  map[string]string{},
	}
}

// CheckOptions lets a caller (the CLI, via the façade) override the
// config-derived channel/device/build and constrain the resolver for a
// single check, without mutating the daemon's persistent configuration.
type CheckOptions struct {
	OverrideBuild      int
	OverrideChannel    string
	OverrideDevice     string
	OverridePercentage int // -1 means "use the computed device percentage"
	Filter             resolver.Filter
	MaxImage           int
}

// Check runs ConfigLoaded→KeyringsReady→ChannelsFetched→IndexFetched→
// PathComputed and reports whether an eligible update exists.
func (e *Engine) Check(ctx context.Context, opts CheckOptions) (CheckResult, error) {
	_ = e.st.Update(func(s *state.State) { s.Phase = state.PhaseChecking })

	if err := e.runStep(ctx, "load keyrings", e.keyrings.LoadAll); err != nil {
		return CheckResult{}, e.fail(err)
	}

	trusted := e.trustedForMetadata()

	channelsDoc, err := e.fetchChannelsRetrying(ctx, trusted...)
	if err != nil {
		return CheckResult{}, e.fail(err)
	}

	e.channelsCache = channelsDoc

	channel := e.cfg.Service.Channel
	if opts.OverrideChannel != "" {
		channel = opts.OverrideChannel
	}

	resolvedChannel, squash, err := channels.ResolveChannel(channelsDoc, channel, e.st.Snapshot().ChannelTarget)
	if err != nil {
		return CheckResult{}, e.fail(&StepError{Kind: StepStructural, Err: err})
	}

	device := e.cfg.Service.Device
	if opts.OverrideDevice != "" {
		device = opts.OverrideDevice
	}

	deviceEntry, ok := resolvedChannel.Devices[device]
	if !ok {
		return CheckResult{}, e.fail(&StepError{Kind: StepStructural, Err: fmt.Errorf("%w: %s", channels.ErrDeviceNotFound, device)})
	}

	currentVersion := e.cfg.Service.BuildNumber
	if opts.OverrideBuild > 0 {
		currentVersion = opts.OverrideBuild
	}

	if squash {
		currentVersion = 0
	}

	index, err := e.fetchIndexRetrying(ctx, deviceEntry.Index, trusted...)
	if err != nil {
		return CheckResult{}, e.fail(err)
	}

	devicePercentage := opts.OverridePercentage

	if devicePercentage < 0 {
		machineID, err := phasing.MachineID()
		if err != nil {
			return CheckResult{}, e.fail(&StepError{Kind: StepTransient, Err: err})
		}

		devicePercentage = phasing.DevicePercentage(machineID, channel, currentVersion)
	}

	path, err := resolver.Resolve(index.Images, resolver.Options{
		CurrentVersion:   currentVersion,
		DevicePercentage: devicePercentage,
		Filter:           opts.Filter,
		MaxImage:         opts.MaxImage,
		Scorer:           e.scorer,
	})

	_ = e.st.Update(func(s *state.State) {
		s.LastCheckDate = time.Now()

		if squash {
			s.ChannelTarget = channelsDoc[channel].Alias
		}
	})

	switch {
	case errors.Is(err, resolver.ErrUpToDate), errors.Is(err, resolver.ErrNoPath):
		_ = e.st.Update(func(s *state.State) { s.Phase = state.PhaseIdle })

		return CheckResult{UpdateAvailable: false}, nil
	case err != nil:
		return CheckResult{}, e.fail(&StepError{Kind: StepStructural, Err: err})
	}

	e.mu.Lock()
	e.winningPath = path
	e.mu.Unlock()

	_ = e.st.Update(func(s *state.State) {
		s.Phase = state.PhaseIdle
		s.PendingTargetBuild = path.TargetVersion()
		s.TargetVersionDetail = path.VersionDetail()
	})

	return CheckResult{UpdateAvailable: true, TargetVersion: path.TargetVersion(), Path: path}, nil
}

// Download enqueues every file in the winning path and blocks until the
// batch reaches a terminal state.
func (e *Engine) Download(ctx context.Context, opts download.Options) error {
	e.mu.Lock()
	path := e.winningPath
	e.mu.Unlock()

	if len(path.Steps) == 0 {
		return &StepError{Kind: StepStructural, Err: errors.New("download called with no resolved path")}
	}

	files, localPaths, err := e.downloadFileList(path)
	if err != nil {
		return &StepError{Kind: StepStructural, Err: err}
	}

	_ = e.st.Update(func(s *state.State) { s.Phase = state.PhaseDownloading })

	handle, err := e.downloader.Enqueue(ctx, files, opts)
	if err != nil {
		return e.fail(&StepError{Kind: StepStructural, Err: err})
	}

	e.mu.Lock()
	e.handle = handle
	e.localPaths = localPaths
	e.mu.Unlock()

	if err := e.downloader.Wait(ctx, handle); err != nil {
		if errors.Is(err, context.Canceled) {
			return ErrCancelled
		}

		return e.fail(&StepError{Kind: StepTransient, Err: err})
	}

	if err := e.verifyAndStage(ctx, path, localPaths); err != nil {
		return e.fail(err)
	}

	_ = e.st.Update(func(s *state.State) { s.Phase = state.PhaseStaged })

	return nil
}

// downloadFileList builds the download.File list for every step's files
// plus their ".asc" siblings, and a map from the index's declared path to
// where the downloader will place it locally.
func (e *Engine) downloadFileList(path model.CandidatePath) ([]download.File, map[string]string, error) {
	var files []download.File

	localPaths := map[string]string{}

	for _, step := range path.Steps {
		for _, f := range step.Files {
			dataDest := e.cfg.System.TempDir + "/" + baseName(f.Path)
			sigDest := e.cfg.System.TempDir + "/" + baseName(f.Signature)

			files = append(files,
				download.File{URL: f.Path, Dest: dataDest, ExpectedSHA256: f.Checksum, Size: f.Size},
				download.File{URL: f.Signature, Dest: sigDest},
			)

			localPaths[f.Path] = dataDest
			localPaths[f.Signature] = sigDest
		}
	}

	if err := download.ValidateNoDuplicates(files); err != nil {
		return nil, nil, err
	}

	return files, localPaths, nil
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}

	return p
}

// verifyAndStage checks every downloaded image file's detached signature
// (subtracting any blacklisted keys), then hands the verified set to the
// stager. A signature failure gets one keyring re-pull and one retry
// before it is treated as fatal.
func (e *Engine) verifyAndStage(ctx context.Context, path model.CandidatePath, localPaths map[string]string) error {
	if err := e.verifySignatures(ctx, path, localPaths); err != nil {
		var stepErr *StepError
		if !errors.As(err, &stepErr) || stepErr.Kind != StepSignature {
			return err
		}

		if refreshErr := e.recoverSigningKeyrings(ctx); refreshErr != nil {
			return err
		}

		if err := e.verifySignatures(ctx, path, localPaths); err != nil {
			return err
		}
	}

	stagedFiles, fullPresent := staging.FilesFromPath(path, localPaths)

	plan := staging.Plan{
		CachePartition:   e.cfg.Updater.CachePartition,
		DataPartition:    e.cfg.Updater.DataPartition,
		Files:            stagedFiles,
		FullImagePresent: fullPresent,
	}

	for _, id := range []keyring.Identity{keyring.ImageMaster, keyring.ImageSigning, keyring.DeviceSigning} {
		k, ok := e.keyrings.Get(id)
		if !ok {
			continue
		}

		plan.Keyrings = append(plan.Keyrings, staging.KeyringFile{
			Name:      string(id),
			Archive:   k.Path,
			Signature: k.Path + ".asc",
		})
	}

	if err := e.stager.Stage(ctx, plan); err != nil {
		return &StepError{Kind: StepStructural, Err: err}
	}

	return nil
}

// verifySignatures runs the detached-signature check for every file in
// path exactly once, with no recovery of its own.
func (e *Engine) verifySignatures(_ context.Context, path model.CandidatePath, localPaths map[string]string) error {
	trusted := e.trustedForMetadata()

	var blacklist *keyring.Keyring
	// A blacklist keyring, if configured, is loaded the same way as any
	// other; absence is not an error.
	if bl, ok := e.keyrings.Get("blacklist"); ok {
		blacklist = bl
	}

	for _, step := range path.Steps {
		for _, f := range step.Files {
			ok, err := sig.VerifyWithBlacklist(localPaths[f.Path], localPaths[f.Signature], blacklist, trusted...)
			if err != nil {
				return &StepError{Kind: StepTransient, Err: err}
			}

			if !ok {
				return &StepError{Kind: StepSignature, Err: fmt.Errorf("signature invalid for %s", f.Path)}
			}
		}
	}

	return nil
}

// recoverSigningKeyrings re-pulls image-signing, device-signing (if one
// is currently loaded), and the blacklist after a signature check fails, per the
// recovery rule: one re-pull, one retry, then fatal. The blacklist re-pull
// is best-effort since most deployments don't serve one.
func (e *Engine) recoverSigningKeyrings(ctx context.Context) error {
	if _, err := e.keyrings.Refresh(ctx, keyring.ImageSigning); err != nil {
		return err
	}

	if _, ok := e.keyrings.Get(keyring.DeviceSigning); ok {
		if _, err := e.keyrings.Refresh(ctx, keyring.DeviceSigning); err != nil {
			return err
		}
	}

	_, _ = e.keyrings.Refresh(ctx, "blacklist")

	return nil
}

// Apply issues the device-specific apply hook (typically a reboot into
// recovery). It does not check that a download has been staged: the hook
// is invoked in whatever phase the engine is in.
func (e *Engine) Apply(ctx context.Context) error {
	if e.applyFn == nil {
		return &StepError{Kind: StepStructural, Err: errors.New("no apply hook configured")}
	}

	if err := e.applyFn(ctx, e.cfg.Updater.CachePartition+"/recovery_command"); err != nil {
		return e.fail(&StepError{Kind: StepTransient, Err: err})
	}

	return e.st.Update(func(s *state.State) {
		s.Phase = state.PhaseApplied
		s.LastUpdateDate = time.Now()
		s.CurrentBuild = s.PendingTargetBuild
		s.VersionDetail = s.TargetVersionDetail
		s.PendingTargetBuild = 0
		s.TargetVersionDetail = ""
	})
}

// FactoryReset wipes the data partition and invokes the apply hook to
// reboot into recovery, discarding all locally-persisted state.
func (e *Engine) FactoryReset(ctx context.Context) error {
	return e.reset(ctx, false)
}

// ProductionReset wipes the data partition, leaves a marker file behind
// so the device is not treated as freshly provisioned, and invokes the
// apply hook.
func (e *Engine) ProductionReset(ctx context.Context) error {
	return e.reset(ctx, true)
}

func (e *Engine) reset(ctx context.Context, production bool) error {
	if err := staging.WipeDataPartition(e.cfg.Updater.DataPartition, production); err != nil {
		return e.fail(&StepError{Kind: StepStructural, Err: err})
	}

	if e.applyFn == nil {
		return e.fail(&StepError{Kind: StepStructural, Err: errors.New("no apply hook configured")})
	}

	if err := e.applyFn(ctx, ""); err != nil {
		return e.fail(&StepError{Kind: StepTransient, Err: err})
	}

	return e.st.Update(func(s *state.State) {
		s.Phase = state.PhaseIdle
		s.LastError = ""
	})
}

// Progress reports the in-flight download batch's aggregate completion, or
// the zero value if no batch is active.
func (e *Engine) Progress() (download.Progress, error) {
	e.mu.Lock()
	handle := e.handle
	e.mu.Unlock()

	if handle == "" {
		return download.Progress{}, nil
	}

	return e.downloader.Progress(handle)
}

// Pause pauses the in-flight download batch, if any.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	handle := e.handle
	e.mu.Unlock()

	if handle == "" {
		return ErrNoDownloadInFlight
	}

	if err := e.downloader.Pause(handle); err != nil {
		return err
	}

	return e.st.Update(func(s *state.State) { s.Phase = state.PhasePaused })
}

// Resume resumes a paused download batch.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	handle := e.handle
	e.mu.Unlock()

	if handle == "" {
		return ErrNoDownloadInFlight
	}

	if err := e.downloader.Resume(handle); err != nil {
		return err
	}

	return e.st.Update(func(s *state.State) { s.Phase = state.PhaseDownloading })
}

// Cancel cancels the in-flight download batch. Per spec, Cancel with no
// download in flight is a no-op, not an error; the returned bool reports
// whether a batch was actually active, so callers can tell the two cases
// apart.
func (e *Engine) Cancel(ctx context.Context) (bool, error) {
	e.mu.Lock()
	handle := e.handle
	e.mu.Unlock()

	if handle == "" {
		return false, nil
	}

	if err := e.downloader.Cancel(handle); err != nil {
		return true, err
	}

	return true, e.st.Update(func(s *state.State) {
		s.Phase = state.PhaseFailed
		s.LastError = "cancelled"
	})
}

// trustedForMetadata returns the keyring union used to verify
// channels.json/index.json and image files: image-signing plus
// device-signing, if one is configured.
func (e *Engine) trustedForMetadata() []*keyring.Keyring {
	var out []*keyring.Keyring

	if k, ok := e.keyrings.Get(keyring.ImageSigning); ok {
		out = append(out, k)
	}

	if k, ok := e.keyrings.Get(keyring.DeviceSigning); ok {
		out = append(out, k)
	}

	return out
}

func (e *Engine) fetchChannelsRetrying(ctx context.Context, trusted ...*keyring.Keyring) (model.Channels, error) {
	op := func() (model.Channels, error) {
		return e.chFetcher.FetchChannels(ctx, trusted...)
	}

	doc, err := backoff.Retry(ctx, op, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		if errors.Is(err, channels.ErrSignatureInvalid) {
			if refreshErr := e.recoverSigningKeyrings(ctx); refreshErr == nil {
				if doc, err := e.chFetcher.FetchChannels(ctx, e.trustedForMetadata()...); err == nil {
					return doc, nil
				}
			}
		}

		return nil, e.classifyFetchErr(err)
	}

	return doc, nil
}

func (e *Engine) fetchIndexRetrying(ctx context.Context, indexPath string, trusted ...*keyring.Keyring) (model.Index, error) {
	op := func() (model.Index, error) {
		return e.chFetcher.FetchIndex(ctx, indexPath, trusted...)
	}

	doc, err := backoff.Retry(ctx, op, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		if errors.Is(err, channels.ErrSignatureInvalid) {
			if refreshErr := e.recoverSigningKeyrings(ctx); refreshErr == nil {
				if doc, err := e.chFetcher.FetchIndex(ctx, indexPath, e.trustedForMetadata()...); err == nil {
					return doc, nil
				}
			}
		}

		return model.Index{}, e.classifyFetchErr(err)
	}

	return doc, nil
}

func (e *Engine) classifyFetchErr(err error) error {
	if errors.Is(err, channels.ErrSignatureInvalid) {
		return &StepError{Kind: StepSignature, Err: err}
	}

	return &StepError{Kind: StepTransient, Err: err}
}

// runStep runs fn, classifying a plain error as transient (callers that
// need a different classification wrap fn's return themselves).
func (e *Engine) runStep(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		slog.Error("Engine step failed", "step", name, "error", err)

		var stepErr *StepError
		if errors.As(err, &stepErr) {
			return stepErr
		}

		return &StepError{Kind: StepTransient, Err: err}
	}

	return nil
}

func (e *Engine) fail(err error) error {
	var stepErr *StepError

	kind := StepTransient
	if errors.As(err, &stepErr) {
		kind = stepErr.Kind
	}

	_ = e.st.Update(func(s *state.State) {
		s.Phase = state.PhaseFailed
		s.LastError = err.Error()
	})

	slog.Error("Update engine step failed", "kind", kind, "error", err)

	return err
}

// ListChannels returns the full channels.json document, fetching it fresh
// if Check hasn't already populated the cache.
func (e *Engine) ListChannels(ctx context.Context) (model.Channels, error) {
	e.mu.Lock()
	cached := e.channelsCache
	e.mu.Unlock()

	if cached != nil {
		return cached, nil
	}

	if err := e.keyrings.LoadAll(ctx); err != nil {
		return nil, e.fail(err)
	}

	doc, err := e.fetchChannelsRetrying(ctx, e.trustedForMetadata()...)
	if err != nil {
		return nil, e.fail(err)
	}

	e.mu.Lock()
	e.channelsCache = doc
	e.mu.Unlock()

	return doc, nil
}

// CurrentState is a convenience accessor used by the service façade to
// report status without reaching into the state package directly.
func (e *Engine) CurrentState() state.State {
	return e.st.Snapshot()
}

// Settings exposes the wired settings store so the façade can proxy
// get/set/del/show without the engine becoming a pass-through for
// everything.
func (e *Engine) Settings() *settings.Store { return e.settings }
