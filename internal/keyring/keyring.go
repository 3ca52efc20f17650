// Package keyring manages the four named GPG keyrings (archive-master,
// image-master, image-signing, and the optional device-signing) used to
// verify every signed artifact the engine downloads.
package keyring

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/crypto/openpgp"
)

// Identity names one of the four keyrings.
type Identity string

const (
	// ArchiveMaster is pre-installed, never expires, never rotates.
	ArchiveMaster Identity = "archive-master"
	// ImageMaster is signed by ArchiveMaster.
	ImageMaster Identity = "image-master"
	// ImageSigning is signed by ImageMaster, expiry ~2 years.
	ImageSigning Identity = "image-signing"
	// DeviceSigning is optional, signed by ImageSigning, expiry ~1 month.
	DeviceSigning Identity = "device-signing"
)

// parentOf returns the identity that must have signed the archive of id,
// or "" if id is self-trusted (ArchiveMaster).
func parentOf(id Identity) Identity {
	switch id {
	case ImageMaster:
		return ArchiveMaster
	case ImageSigning:
		return ImageMaster
	case DeviceSigning:
		return ImageSigning
	default:
		return ""
	}
}

// ErrExpired is returned when a loaded keyring's expiry has passed.
var ErrExpired = errors.New("keyring expired")

// ErrNotTrusted is returned when a keyring archive's signature doesn't
// validate against its expected parent.
var ErrNotTrusted = errors.New("keyring archive is not signed by its trust-root parent")

// Manifest is the small JSON descriptor bundled alongside the key blob
// inside each keyring archive.
type Manifest struct {
	Type   string     `json:"type"`
	Expiry *time.Time `json:"expiry,omitempty"`
	Model  string     `json:"model,omitempty"`
}

// Keyring is one loaded, trusted set of public signing keys.
type Keyring struct {
	Identity Identity
	Path     string
	Expiry   *time.Time
	Entities openpgp.EntityList
}

// Expired reports whether the keyring's expiry, if any, has passed as of
// now.
func (k *Keyring) Expired(now time.Time) bool {
	return k.Expiry != nil && now.After(*k.Expiry)
}

// Fetcher retrieves a fresh keyring archive and its detached signature for
// the named identity from the remote image service.
type Fetcher interface {
	FetchKeyring(ctx context.Context, id Identity) (archive []byte, signature []byte, err error)
}

// Store holds the four keyrings for the lifetime of the daemon. Access is
// guarded by its own mutex since keyring re-pulls can happen concurrently
// with an in-flight check/download step that discovered a rotated key.
type Store struct {
	paths   map[Identity]string
	loaded  map[Identity]*Keyring
	fetcher Fetcher
}

// New creates a Store. paths must at minimum contain ArchiveMaster;
// device-signing's absence is tolerated anywhere it is referenced.
func New(paths map[Identity]string, fetcher Fetcher) *Store {
	return &Store{
		paths:   paths,
		loaded:  map[Identity]*Keyring{},
		fetcher: fetcher,
	}
}

// Get returns a keyring already loaded by a prior call to Load/LoadAll.
func (s *Store) Get(id Identity) (*Keyring, bool) {
	k, ok := s.loaded[id]

	return k, ok
}

// LoadAll loads archive-master from disk (required), then image-master,
// image-signing, and (if configured) device-signing, fetching/rotating as
// needed, in trust-chain order.
func (s *Store) LoadAll(ctx context.Context) error {
	order := []Identity{ArchiveMaster, ImageMaster, ImageSigning, DeviceSigning}

	for _, id := range order {
		path, configured := s.paths[id]
		if !configured || path == "" {
			if id == DeviceSigning {
				continue
			}

			return fmt.Errorf("no path configured for keyring %q", id)
		}

		k, err := s.Load(ctx, id)
		if err != nil {
			if id == DeviceSigning {
				// Absence of device-signing is not an error.
				continue
			}

			return err
		}

		s.loaded[id] = k
	}

	return nil
}

// Load loads a single keyring from disk, fetching/rotating it from the
// server when missing or expired. ArchiveMaster is read-only and never
// rotates.
func (s *Store) Load(ctx context.Context, id Identity) (*Keyring, error) {
	path := s.paths[id]

	k, err := readArchive(id, path)
	if err == nil && !k.Expired(time.Now()) {
		if id == ArchiveMaster {
			return k, nil
		}

		if trustErr := s.verifyTrust(ctx, k); trustErr == nil {
			return k, nil
		}
	}

	if id == ArchiveMaster {
		// archive-master is pre-installed; it never rotates.
		return nil, fmt.Errorf("loading archive-master keyring: %w", err)
	}

	return s.fetchAndStore(ctx, id, path)
}

// Refresh forces a re-pull of id from the server, used by the signature
// verifier's recovery rule after a detached-signature check fails.
func (s *Store) Refresh(ctx context.Context, id Identity) (*Keyring, error) {
	k, err := s.fetchAndStore(ctx, id, s.paths[id])
	if err != nil {
		return nil, err
	}

	s.loaded[id] = k

	return k, nil
}

func (s *Store) fetchAndStore(ctx context.Context, id Identity, path string) (*Keyring, error) {
	if s.fetcher == nil {
		return nil, fmt.Errorf("keyring %q is missing or expired and no fetcher is configured", id)
	}

	archive, signature, err := s.fetcher.FetchKeyring(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching keyring %q: %w", id, err)
	}

	k, err := parseArchive(id, archive)
	if err != nil {
		return nil, fmt.Errorf("parsing fetched keyring %q: %w", id, err)
	}

	k.Path = path

	if err := s.verifyTrustBytes(ctx, k, archive, signature); err != nil {
		return nil, err
	}

	if k.Expired(time.Now()) {
		return nil, fmt.Errorf("freshly fetched keyring %q is already expired: %w", id, ErrExpired)
	}

	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}

		if err := os.WriteFile(path, archive, 0o600); err != nil {
			return nil, err
		}
	}

	return k, nil
}

// verifyTrust re-verifies an on-disk keyring's archive bytes against its
// parent's detached signature, which must be stored alongside it as
// "<path>.asc".
func (s *Store) verifyTrust(_ context.Context, k *Keyring) error {
	if parentOf(k.Identity) == "" {
		return nil
	}

	archive, err := os.ReadFile(k.Path) // #nosec G304
	if err != nil {
		return err
	}

	sig, err := os.ReadFile(k.Path + ".asc") // #nosec G304
	if err != nil {
		return err
	}

	parent, ok := s.loaded[parentOf(k.Identity)]
	if !ok {
		return fmt.Errorf("trust-root %q not loaded", parentOf(k.Identity))
	}

	return checkDetached(parent.Entities, archive, sig)
}

func (s *Store) verifyTrustBytes(_ context.Context, k *Keyring, archive, signature []byte) error {
	if parentOf(k.Identity) == "" {
		return nil
	}

	parent, ok := s.loaded[parentOf(k.Identity)]
	if !ok {
		return fmt.Errorf("trust-root %q not loaded", parentOf(k.Identity))
	}

	if err := checkDetached(parent.Entities, archive, signature); err != nil {
		return fmt.Errorf("%w: %w", ErrNotTrusted, err)
	}

	// Persist the signature alongside the archive so a later pure-disk
	// reload can re-verify it without re-fetching.
	if k.Path != "" {
		if err := os.WriteFile(k.Path+".asc", signature, 0o600); err != nil {
			return err
		}
	}

	return nil
}

func checkDetached(keyring openpgp.EntityList, data, signature []byte) error {
	_, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(data), bytes.NewReader(signature))

	return err
}

// readArchive reads and parses an archive already on disk.
func readArchive(id Identity, path string) (*Keyring, error) {
	if path == "" {
		return nil, fmt.Errorf("no path configured for %q", id)
	}

	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, err
	}

	k, err := parseArchive(id, data)
	if err != nil {
		return nil, err
	}

	k.Path = path

	return k, nil
}

// parseArchive decodes a gzip-compressed tar archive holding a binary
// OpenPGP key blob ("keyring.gpg") and a JSON manifest ("keyring.json").
func parseArchive(id Identity, data []byte) (*Keyring, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening keyring archive: %w", err)
	}

	defer gz.Close()

	tr := tar.NewReader(gz)

	var (
		keyBlob  []byte
		manifest Manifest
	)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("reading keyring archive: %w", err)
		}

		switch filepath.Base(hdr.Name) {
		case "keyring.gpg":
			keyBlob, err = io.ReadAll(tr)
			if err != nil {
				return nil, err
			}
		case "keyring.json":
			if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
				return nil, fmt.Errorf("decoding keyring manifest: %w", err)
			}
		}
	}

	if keyBlob == nil {
		return nil, errors.New("keyring archive missing keyring.gpg")
	}

	entities, err := openpgp.ReadKeyRing(bytes.NewReader(keyBlob))
	if err != nil {
		return nil, fmt.Errorf("parsing OpenPGP keyring: %w", err)
	}

	return &Keyring{
		Identity: id,
		Entities: entities,
		Expiry:   manifest.Expiry,
	}, nil
}
