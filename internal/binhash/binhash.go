// ABOUTME: BLAKE3 digests of helper executables for pinning before spawn
// ABOUTME: Digests are written as "blake3:<64 hex chars>" in the helper manifest

package binhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/zeebo/blake3"
)

// Prefix tags a digest string with its algorithm.
const Prefix = "blake3:"

// Digest is a 32-byte BLAKE3 hash.
type Digest [32]byte

// String returns the canonical "blake3:<hex>" form.
func (d Digest) String() string {
	return Prefix + hex.EncodeToString(d[:])
}

// HashFile streams the file at path through BLAKE3.
func HashFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// ParseDigest parses "blake3:<hex>". The prefix is required.
func ParseDigest(s string) (Digest, error) {
	var digest Digest
	hexString, ok := strings.CutPrefix(s, Prefix)
	if !ok {
		return digest, fmt.Errorf("digest %q: missing %q prefix", s, Prefix)
	}
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("digest is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}

// Pins maps executable paths to the digest they must hash to.
type Pins map[string]Digest

// Approve checks path against its pin. Unpinned executables are allowed.
// The signature matches supervisor.ApproveFunc.
func (p Pins) Approve(path string, _ []string) error {
	want, ok := p[path]
	if !ok {
		resolved, err := exec.LookPath(path)
		if err != nil {
			return nil
		}
		if want, ok = p[resolved]; !ok {
			return nil
		}
		path = resolved
	}
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%s: digest mismatch: got %s, want %s", path, got, want)
	}
	return nil
}
