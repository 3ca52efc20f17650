// Package staging moves verified downloads into the cache/data
// partitions, sweeps stale cache-partition contents, and writes the
// recovery command file the boot-time recovery environment consumes.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/lxc/system-imaged/internal/model"
)

// ErrMissingSignature is a fatal staging error: a file destined for the
// recovery command file has no sibling detached signature on disk.
var ErrMissingSignature = errors.New("missing sibling signature for staged file")

// preservedCacheEntries lists the only cache-partition entries a sweep
// leaves behind.
var preservedCacheEntries = map[string]bool{"log": true, "last_log": true}

// KeyringFile is one keyring archive (plus its detached signature) to
// stage into the cache partition ahead of the recovery boot.
type KeyringFile struct {
	Name     string // e.g. "image-signing"
	Archive  string // local path to the archive
	Signature string // local path to archive + ".asc"
}

// BlacklistFile is an optional device blacklist staged into the data
// partition instead of the cache partition.
type BlacklistFile struct {
	Archive   string
	Signature string
}

// StagedFile is a downloaded, verified image file ready to move into the
// cache partition, in winning-path order.
type StagedFile struct {
	LocalPath     string // where the downloader left it
	LocalSigPath  string // downloaded ".asc" sibling
	DestBase      string // basename to use in the cache partition
	DestSigBase   string
}

// Plan describes everything a single staging run needs to place on disk.
type Plan struct {
	CachePartition string
	DataPartition  string

	Keyrings  []KeyringFile
	Blacklist *BlacklistFile
	Files     []StagedFile

	// FullImagePresent controls whether the recovery command file
	// instructs a filesystem format before applying updates.
	FullImagePresent bool
}

// Stager stages a resolved, downloaded update onto the cache/data
// partitions.
type Stager struct{}

// New creates a Stager.
func New() *Stager { return &Stager{} }

// Stage performs the full staging sequence: sweep, copy, write recovery
// command file. It is not safe to call concurrently with itself for the
// same partitions.
func (s *Stager) Stage(ctx context.Context, plan Plan) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := sweepCachePartition(plan.CachePartition); err != nil {
		return fmt.Errorf("sweeping cache partition: %w", err)
	}

	if err := os.MkdirAll(plan.DataPartition, 0o700); err != nil {
		return err
	}

	for _, kr := range plan.Keyrings {
		if err := copyInto(kr.Archive, plan.CachePartition); err != nil {
			return fmt.Errorf("staging keyring %s: %w", kr.Name, err)
		}

		if err := copyInto(kr.Signature, plan.CachePartition); err != nil {
			return fmt.Errorf("staging keyring %s signature: %w", kr.Name, err)
		}
	}

	if plan.Blacklist != nil {
		if err := copyInto(plan.Blacklist.Archive, plan.DataPartition); err != nil {
			return fmt.Errorf("staging blacklist: %w", err)
		}

		if err := copyInto(plan.Blacklist.Signature, plan.DataPartition); err != nil {
			return fmt.Errorf("staging blacklist signature: %w", err)
		}
	}

	for _, f := range plan.Files {
		if f.LocalSigPath == "" {
			return fmt.Errorf("%w: %s", ErrMissingSignature, f.DestBase)
		}

		if _, err := os.Stat(f.LocalSigPath); err != nil {
			return fmt.Errorf("%w: %s", ErrMissingSignature, f.DestBase)
		}

		if err := copyAs(f.LocalPath, filepath.Join(plan.CachePartition, f.DestBase)); err != nil {
			return fmt.Errorf("staging %s: %w", f.DestBase, err)
		}

		if err := copyAs(f.LocalSigPath, filepath.Join(plan.CachePartition, f.DestSigBase)); err != nil {
			return fmt.Errorf("staging %s signature: %w", f.DestSigBase, err)
		}
	}

	if err := writeRecoveryCommandFile(plan); err != nil {
		return fmt.Errorf("writing recovery command file: %w", err)
	}

	slog.Info("Staged update", "files", len(plan.Files), "format", plan.FullImagePresent)

	return nil
}

// sweepCachePartition deletes every cache-partition entry except log and
// last_log.
func sweepCachePartition(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if preservedCacheEntries[e.Name()] {
			continue
		}

		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}

	return nil
}

func copyInto(src, destDir string) error {
	return copyAs(src, filepath.Join(destDir, filepath.Base(src)))
}

func copyAs(src, dest string) error {
	in, err := os.Open(src) // #nosec G304
	if err != nil {
		return err
	}

	defer in.Close()

	out, err := os.CreateTemp(filepath.Dir(dest), ".staging-*")
	if err != nil {
		return err
	}

	defer os.Remove(out.Name())

	if _, err := io.Copy(out, in); err != nil {
		out.Close()

		return err
	}

	if err := out.Sync(); err != nil {
		out.Close()

		return err
	}

	if err := out.Close(); err != nil {
		return err
	}

	return os.Rename(out.Name(), dest)
}

// writeRecoveryCommandFile writes, atomically, the command sequence the
// boot-time recovery environment consumes:
//
//	format_version N
//	load_keyring <name> <sig-name>        (repeated)
//	mount system
//	update <zip> <sig>                    (repeated, in path order)
//	unmount system
func writeRecoveryCommandFile(plan Plan) error {
	path := filepath.Join(plan.CachePartition, "recovery_command")

	tmp, err := os.CreateTemp(plan.CachePartition, ".recovery_command-*")
	if err != nil {
		return err
	}

	defer os.Remove(tmp.Name())

	formatVersion := 0
	if plan.FullImagePresent {
		formatVersion = 1
	}

	fmt.Fprintf(tmp, "format_version %d\n", formatVersion)

	// Keyrings are emitted in the order the caller supplied them, which is
	// the trust-chain order (master -> signing -> device), not sorted.
	for _, kr := range plan.Keyrings {
		fmt.Fprintf(tmp, "load_keyring %s %s\n", filepath.Base(kr.Archive), filepath.Base(kr.Signature))
	}

	fmt.Fprintln(tmp, "mount system")

	for _, f := range plan.Files {
		fmt.Fprintf(tmp, "update %s %s\n", f.DestBase, f.DestSigBase)
	}

	fmt.Fprintln(tmp, "unmount system")

	if err := tmp.Sync(); err != nil {
		tmp.Close()

		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}

	dirFd, err := os.Open(plan.CachePartition) // #nosec G304
	if err != nil {
		return err
	}

	defer dirFd.Close()

	return unix.Syncfs(int(dirFd.Fd()))
}

// WipeDataPartition removes every entry under the data partition, used by
// factory-reset and production-reset. A production reset additionally
// leaves behind a marker file so a subsequent boot knows not to treat the
// device as newly provisioned.
func WipeDataPartition(dataPartition string, production bool) error {
	entries, err := os.ReadDir(dataPartition)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dataPartition, 0o700)
		}

		return err
	}

	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dataPartition, e.Name())); err != nil {
			return err
		}
	}

	if production {
		return os.WriteFile(filepath.Join(dataPartition, "production_mode"), nil, 0o600)
	}

	return nil
}

// FilesFromPath builds the ordered StagedFile list for a winning
// candidate path, given where the downloader placed each file locally.
func FilesFromPath(path model.CandidatePath, localPaths map[string]string) ([]StagedFile, bool) {
	var files []StagedFile

	fullPresent := false

	for _, step := range path.Steps {
		if step.Kind == model.ImageKindFull {
			fullPresent = true
		}

		for _, f := range step.Files {
			local, ok := localPaths[f.Path]
			if !ok {
				continue
			}

			files = append(files, StagedFile{
				LocalPath:    local,
				LocalSigPath: localPaths[f.Signature],
				DestBase:     filepath.Base(f.Path),
				DestSigBase:  filepath.Base(f.Signature),
			})
		}
	}

	return files, fullPresent
}
