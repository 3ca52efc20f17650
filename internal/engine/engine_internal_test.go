package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lxc/system-imaged/internal/config"
	"github.com/lxc/system-imaged/internal/download"
	"github.com/lxc/system-imaged/internal/keyring"
	"github.com/lxc/system-imaged/internal/model"
	"github.com/lxc/system-imaged/internal/staging"
	"github.com/lxc/system-imaged/internal/state"
)

func TestBaseName(t *testing.T) {
	require.Equal(t, "7.zip", baseName("/pool/7.zip"))
	require.Equal(t, "7.zip", baseName("7.zip"))
}

func TestDownloadFileListRejectsConflictingDuplicates(t *testing.T) {
	e := &Engine{cfg: &config.Config{System: config.System{TempDir: "/tmp"}}}

	path := model.CandidatePath{Steps: []model.Image{
		{
			Version: 2,
			Files: []model.File{
				{Path: "/pool/a.zip", Signature: "/pool/a.zip.asc", Checksum: "x"},
			},
		},
		{
			Version: 3,
			Files: []model.File{
				// Same declared path, different checksum -> conflict once
				// mapped onto the same local destination.
				{Path: "/pool/a.zip", Signature: "/pool/a.zip.asc", Checksum: "y"},
			},
		},
	}}

	_, _, err := e.downloadFileList(path)
	require.Error(t, err)
}

func TestDownloadFileListBuildsLocalPathsForEveryFile(t *testing.T) {
	e := &Engine{cfg: &config.Config{System: config.System{TempDir: "/tmp"}}}

	path := model.CandidatePath{Steps: []model.Image{
		{
			Version: 2,
			Files: []model.File{
				{Path: "/pool/a.zip", Signature: "/pool/a.zip.asc", Checksum: "x", Size: 10},
			},
		},
	}}

	files, localPaths, err := e.downloadFileList(path)
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, "/tmp/a.zip", localPaths["/pool/a.zip"])
	require.Equal(t, "/tmp/a.zip.asc", localPaths["/pool/a.zip.asc"])
}

type fakeKeyringFetcher struct {
	calls []keyring.Identity
	err   error
}

func (f *fakeKeyringFetcher) FetchKeyring(_ context.Context, id keyring.Identity) ([]byte, []byte, error) {
	f.calls = append(f.calls, id)

	return nil, nil, f.err
}

func TestCancelReportsWhetherABatchWasActive(t *testing.T) {
	e := &Engine{downloader: &fakeCancelDownloader{}}

	active, err := e.Cancel(context.Background())
	require.NoError(t, err)
	require.False(t, active, "no handle set, nothing to cancel")

	st, err := state.LoadOrCreate(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	fake := &fakeCancelDownloader{}
	e = &Engine{downloader: fake, handle: "h1", st: st}

	active, err = e.Cancel(context.Background())
	require.NoError(t, err)
	require.True(t, active)
	require.True(t, fake.cancelled)
}

type fakeCancelDownloader struct{ cancelled bool }

func (f *fakeCancelDownloader) Enqueue(context.Context, []download.File, download.Options) (download.Handle, error) {
	return "h1", nil
}
func (f *fakeCancelDownloader) Pause(download.Handle) error  { return nil }
func (f *fakeCancelDownloader) Resume(download.Handle) error { return nil }
func (f *fakeCancelDownloader) Cancel(download.Handle) error { f.cancelled = true; return nil }
func (f *fakeCancelDownloader) Progress(download.Handle) (download.Progress, error) {
	return download.Progress{}, nil
}
func (f *fakeCancelDownloader) Wait(ctx context.Context, _ download.Handle) error {
	<-ctx.Done()

	return ctx.Err()
}

func TestDownloadReturnsErrCancelledWhenBatchIsCancelled(t *testing.T) {
	st, err := state.LoadOrCreate(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)

	e := &Engine{
		cfg:        &config.Config{System: config.System{TempDir: t.TempDir()}},
		downloader: &fakeCancelDownloader{},
		st:         st,
		winningPath: model.CandidatePath{Steps: []model.Image{
			{Files: []model.File{{Path: "/pool/a.zip", Signature: "/pool/a.zip.asc"}}},
		}},
	}

	// A context already cancelled by the time Wait is reached mirrors what
	// a concurrent Cancel does to the batch's own internal context.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.ErrorIs(t, e.Download(ctx, download.Options{}), ErrCancelled)
}

func TestRecoverSigningKeyringsRefreshesImageSigning(t *testing.T) {
	fetcher := &fakeKeyringFetcher{err: errors.New("server unreachable")}
	store := keyring.New(map[keyring.Identity]string{keyring.ImageSigning: ""}, fetcher)

	e := &Engine{keyrings: store}

	err := e.recoverSigningKeyrings(context.Background())
	require.Error(t, err)
	require.Contains(t, fetcher.calls, keyring.ImageSigning)
}

func TestVerifyAndStageFailsFatallyWhenRecoveryCannotRefresh(t *testing.T) {
	dir := t.TempDir()

	dataPath := filepath.Join(dir, "a.zip")
	sigPath := filepath.Join(dir, "a.zip.asc")
	require.NoError(t, os.WriteFile(dataPath, []byte("data"), 0o600))
	require.NoError(t, os.WriteFile(sigPath, []byte("not a real signature"), 0o600))

	// No fetcher configured, so the recovery rule's re-pull attempt
	// itself fails and the original signature error propagates.
	store := keyring.New(map[keyring.Identity]string{}, nil)

	e := &Engine{
		cfg: &config.Config{Updater: config.Updater{
			CachePartition: t.TempDir(),
			DataPartition:  t.TempDir(),
		}},
		keyrings: store,
		stager:   staging.New(),
	}

	path := model.CandidatePath{Steps: []model.Image{
		{Files: []model.File{{Path: "/pool/a.zip", Signature: "/pool/a.zip.asc"}}},
	}}

	localPaths := map[string]string{
		"/pool/a.zip":     dataPath,
		"/pool/a.zip.asc": sigPath,
	}

	err := e.verifyAndStage(context.Background(), path, localPaths)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, StepSignature, stepErr.Kind)
}
