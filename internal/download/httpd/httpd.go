// Package httpd is the in-process HTTP download backend: it fetches
// each file with net/http, supports byte-range resume, verifies SHA-256
// on completion, and renames into place atomically.
package httpd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/lxc/system-imaged/internal/download"
	"github.com/lxc/system-imaged/internal/phasing"
)

const copyChunkSize = 256 * 1024

// Backend is the in-process HTTP downloader.
type Backend struct {
	client *http.Client
	gate   *phasing.GatingPolicy

	mu      sync.Mutex
	batches map[download.Handle]*batch
}

// New creates an httpd.Backend. gate may be nil to disable GSM gating.
func New(client *http.Client, gate *phasing.GatingPolicy) *Backend {
	if client == nil {
		client = http.DefaultClient
	}

	return &Backend{
		client:  client,
		gate:    gate,
		batches: map[download.Handle]*batch{},
	}
}

type fileState struct {
	spec       download.File
	downloaded int64
	done       bool
}

type batch struct {
	opts    download.Options
	backend *Backend

	mu     sync.Mutex
	files  []*fileState
	paused atomic.Bool

	ctx       context.Context
	cancelCtx context.CancelFunc

	doneCh chan struct{}
	err    error

	startedAt time.Time
}

// Enqueue starts a new batch. Files sharing a destination must agree on
// URL and checksum (enforced before any byte is downloaded).
func (b *Backend) Enqueue(ctx context.Context, files []download.File, opts download.Options) (download.Handle, error) {
	if err := download.ValidateNoDuplicates(files); err != nil {
		return "", err
	}

	// Collapse (url, dest) duplicates to a single fileState.
	seen := map[string]bool{}

	var states []*fileState

	for _, f := range files {
		if seen[f.Dest] {
			continue
		}

		seen[f.Dest] = true
		states = append(states, &fileState{spec: f})
	}

	bctx, cancel := context.WithCancel(context.Background())

	bat := &batch{
		opts:      opts,
		backend:   b,
		files:     states,
		ctx:       bctx,
		cancelCtx: cancel,
		doneCh:    make(chan struct{}),
		startedAt: time.Now(),
	}

	handle := download.Handle(uuid.NewString())

	b.mu.Lock()
	b.batches[handle] = bat
	b.mu.Unlock()

	go bat.run()

	_ = ctx // the caller's context bounds Enqueue itself, not the batch's lifetime.

	return handle, nil
}

func (bat *batch) run() {
	defer close(bat.doneCh)

	parallel := bat.opts.Parallel
	if parallel <= 0 {
		parallel = 4
	}

	sem := make(chan struct{}, parallel)

	var wg sync.WaitGroup

	var firstErr error

	var errMu sync.Mutex

	for _, fs := range bat.files {
		sem <- struct{}{}

		wg.Add(1)

		go func(fs *fileState) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := bat.downloadOne(fs); err != nil {
				errMu.Lock()

				if firstErr == nil {
					firstErr = err
					bat.cancelCtx() // cancel the rest of the batch on first verification failure.
				} else {
					firstErr = multierror.Append(firstErr, err)
				}

				errMu.Unlock()
			}
		}(fs)
	}

	wg.Wait()

	bat.mu.Lock()
	bat.err = firstErr
	bat.mu.Unlock()
}

func (bat *batch) downloadOne(fs *fileState) error {
	for {
		if bat.ctx.Err() != nil {
			return bat.ctx.Err()
		}

		if bat.paused.Load() {
			time.Sleep(200 * time.Millisecond)

			continue
		}

		if bat.backend.gate != nil && !bat.opts.AllowCellularOverride && !bat.backend.gate.Allowed(bat.opts.Cellular) {
			time.Sleep(2 * time.Second)

			continue
		}

		break
	}

	partPath := fs.spec.Dest + ".part"

	offset := int64(0)

	if info, err := os.Stat(partPath); err == nil {
		offset = info.Size()
	}

	req, err := http.NewRequestWithContext(bat.ctx, http.MethodGet, fs.spec.URL, nil)
	if err != nil {
		return err
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := bat.backend.client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", fs.spec.URL, err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("unexpected HTTP status %d for %s", resp.StatusCode, fs.spec.URL)
	}

	if resp.StatusCode != http.StatusPartialContent {
		// Server didn't honor the range request; start over.
		offset = 0

		if err := os.Remove(partPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(fs.spec.Dest), 0o700); err != nil {
		return err
	}

	flags := os.O_CREATE | os.O_WRONLY

	if offset > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	out, err := os.OpenFile(partPath, flags, 0o600) // #nosec G304
	if err != nil {
		return err
	}

	defer out.Close()

	if err := bat.streamCopy(resp.Body, out, fs); err != nil {
		if bat.ctx.Err() != nil {
			// Cancelled while a read was in progress: discard the partial
			// file, as for a cancel observed after the copy.
			_ = out.Close()
			_ = os.Remove(partPath)

			return bat.ctx.Err()
		}

		return err
	}

	if err := out.Close(); err != nil {
		return err
	}

	if bat.ctx.Err() != nil {
		// Cancelled mid-transfer: discard the partial file per the
		// pause-vs-cancel retention rule.
		_ = os.Remove(partPath)

		return bat.ctx.Err()
	}

	if bat.paused.Load() {
		// Paused mid-transfer: retain the partial file, report no error
		// for this file (it will resume later).
		return nil
	}

	if err := verifyChecksum(partPath, fs.spec.ExpectedSHA256); err != nil {
		_ = os.Remove(partPath)

		return fmt.Errorf("%s: %w", fs.spec.Dest, err)
	}

	if err := os.Rename(partPath, fs.spec.Dest); err != nil {
		return err
	}

	fs.done = true

	return nil
}

// streamCopy copies src into dst in fixed chunks, checking for
// pause/cancel between chunks and updating the file's progress counter.
func (bat *batch) streamCopy(src io.Reader, dst io.Writer, fs *fileState) error {
	for {
		if bat.ctx.Err() != nil {
			return nil //nolint:nilerr // caller inspects bat.ctx.Err() itself
		}

		if bat.paused.Load() {
			return nil
		}

		n, err := io.CopyN(dst, src, copyChunkSize)

		bat.mu.Lock()
		fs.downloaded += n
		bat.mu.Unlock()

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}
	}
}

func verifyChecksum(path, expected string) error {
	if expected == "" {
		return nil
	}

	fd, err := os.Open(path) // #nosec G304
	if err != nil {
		return err
	}

	defer fd.Close()

	h := sha256.New()

	if _, err := io.Copy(h, fd); err != nil {
		return err
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != expected {
		return fmt.Errorf("sha256 mismatch: got %s want %s", got, expected)
	}

	return nil
}

// Pause marks a batch paused. In-flight transfers stop at their next chunk
// boundary, retaining partial files.
func (b *Backend) Pause(handle download.Handle) error {
	bat, err := b.lookup(handle)
	if err != nil {
		return err
	}

	bat.paused.Store(true)

	return nil
}

// Resume restarts downloads for any not-yet-completed files in the batch,
// continuing from their retained partial byte offset.
func (b *Backend) Resume(handle download.Handle) error {
	bat, err := b.lookup(handle)
	if err != nil {
		return err
	}

	if !bat.paused.Swap(false) {
		return nil
	}

	// Re-launch downloads for files that didn't finish before the pause.
	var pending []*fileState

	bat.mu.Lock()

	for _, fs := range bat.files {
		if !fs.done {
			pending = append(pending, fs)
		}
	}

	bat.mu.Unlock()

	bat.doneCh = make(chan struct{})

	go func() {
		defer close(bat.doneCh)

		var wg sync.WaitGroup

		for _, fs := range pending {
			wg.Add(1)

			go func(fs *fileState) {
				defer wg.Done()

				if err := bat.downloadOne(fs); err != nil {
					bat.mu.Lock()
					bat.err = err
					bat.mu.Unlock()
				}
			}(fs)
		}

		wg.Wait()
	}()

	return nil
}

// Cancel stops every in-flight transfer in the batch and discards partial
// files.
func (b *Backend) Cancel(handle download.Handle) error {
	bat, err := b.lookup(handle)
	if err != nil {
		return err
	}

	bat.cancelCtx()

	return nil
}

// Progress reports aggregate completion across the batch.
func (b *Backend) Progress(handle download.Handle) (download.Progress, error) {
	bat, err := b.lookup(handle)
	if err != nil {
		return download.Progress{}, err
	}

	bat.mu.Lock()
	defer bat.mu.Unlock()

	var total, done int64

	for _, fs := range bat.files {
		total += fs.spec.Size
		done += fs.downloaded
	}

	if total == 0 {
		return download.Progress{Percent: 0}, nil
	}

	pct := float64(done) / float64(total) * 100

	elapsed := time.Since(bat.startedAt).Seconds()

	var eta float64

	if done > 0 {
		rate := float64(done) / elapsed
		if rate > 0 {
			eta = float64(total-done) / rate
		}
	}

	return download.Progress{Percent: pct, ETASeconds: eta}, nil
}

// Wait blocks until the batch's current run (initial or post-resume)
// completes or ctx is cancelled.
func (b *Backend) Wait(ctx context.Context, handle download.Handle) error {
	bat, err := b.lookup(handle)
	if err != nil {
		return err
	}

	select {
	case <-bat.doneCh:
		bat.mu.Lock()
		defer bat.mu.Unlock()

		return bat.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) lookup(handle download.Handle) (*batch, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bat, ok := b.batches[handle]
	if !ok {
		return nil, download.ErrUnknownHandle
	}

	return bat, nil
}

var _ download.Downloader = (*Backend)(nil)
