// Package sig verifies detached OpenPGP signatures over downloaded data
// files against a caller-supplied union of trusted keyrings.
package sig

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/openpgp"

	"github.com/lxc/system-imaged/internal/keyring"
)

// Verify checks that signaturePath is a valid detached OpenPGP signature
// over dataPath, trusting the union of every keyring supplied. The
// verifier never consults ambient (system) trust stores.
func Verify(dataPath, signaturePath string, keyrings ...*keyring.Keyring) (bool, error) {
	data, err := os.Open(dataPath) // #nosec G304
	if err != nil {
		return false, fmt.Errorf("opening data file: %w", err)
	}

	defer data.Close()

	sigFile, err := os.Open(signaturePath) // #nosec G304
	if err != nil {
		return false, fmt.Errorf("opening signature file: %w", err)
	}

	defer sigFile.Close()

	trusted := union(keyrings)

	_, err = openpgp.CheckDetachedSignature(trusted, data, sigFile)
	if err != nil {
		return false, nil //nolint:nilerr // verification failure is reported as false, not error
	}

	return true, nil
}

// VerifyReader is the streaming variant of Verify, used when the data has
// already been read into memory or is being teed from a download.
func VerifyReader(data io.Reader, signature io.Reader, keyrings ...*keyring.Keyring) (bool, error) {
	trusted := union(keyrings)

	_, err := openpgp.CheckDetachedSignature(trusted, data, signature)
	if err != nil {
		return false, nil //nolint:nilerr
	}

	return true, nil
}

func union(keyrings []*keyring.Keyring) openpgp.EntityList {
	var all openpgp.EntityList

	for _, k := range keyrings {
		if k == nil {
			continue
		}

		all = append(all, k.Entities...)
	}

	return all
}

// VerifyWithBlacklist is Verify, but any key present in blacklist's
// keyring is excluded from the trusted set first. Used to check image
// files, where a revoked signing key must no longer validate even though
// it is still present in image-signing/device-signing.
func VerifyWithBlacklist(dataPath, signaturePath string, blacklist *keyring.Keyring, keyrings ...*keyring.Keyring) (bool, error) {
	data, err := os.Open(dataPath) // #nosec G304
	if err != nil {
		return false, fmt.Errorf("opening data file: %w", err)
	}

	defer data.Close()

	sigFile, err := os.Open(signaturePath) // #nosec G304
	if err != nil {
		return false, fmt.Errorf("opening signature file: %w", err)
	}

	defer sigFile.Close()

	trusted := subtractBlacklist(union(keyrings), blacklist)

	_, err = openpgp.CheckDetachedSignature(trusted, data, sigFile)
	if err != nil {
		return false, nil //nolint:nilerr
	}

	return true, nil
}

func subtractBlacklist(trusted openpgp.EntityList, blacklist *keyring.Keyring) openpgp.EntityList {
	if blacklist == nil || len(blacklist.Entities) == 0 {
		return trusted
	}

	revoked := map[uint64]bool{}

	for _, e := range blacklist.Entities {
		revoked[e.PrimaryKey.KeyId] = true
	}

	var filtered openpgp.EntityList

	for _, e := range trusted {
		if revoked[e.PrimaryKey.KeyId] {
			continue
		}

		filtered = append(filtered, e)
	}

	return filtered
}
