// ABOUTME: Tests for BLAKE3 file digests and the pinning approval gate
// ABOUTME: Uses temp files with known content

package binhash

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zeebo/blake3"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "helper")
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestHashFile(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "hello, hostbridge")
	got, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	want := blake3.Sum256([]byte("hello, hostbridge"))
	if got != Digest(want) {
		t.Errorf("HashFile = %s; want %x", got, want)
	}
}

func TestHashFile_Missing(t *testing.T) {
	t.Parallel()

	if _, err := HashFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseDigest_RoundTrip(t *testing.T) {
	t.Parallel()

	d := Digest(blake3.Sum256([]byte("x")))
	parsed, err := ParseDigest(d.String())
	if err != nil {
		t.Fatalf("ParseDigest: %v", err)
	}
	if parsed != d {
		t.Errorf("parsed = %s; want %s", parsed, d)
	}
}

func TestParseDigest_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{"no prefix", strings.Repeat("ab", 32)},
		{"sha256 prefix", "sha256:" + strings.Repeat("ab", 32)},
		{"not hex", Prefix + strings.Repeat("zz", 32)},
		{"short", Prefix + "abcd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseDigest(tt.input); err == nil {
				t.Errorf("ParseDigest(%q) succeeded", tt.input)
			}
		})
	}
}

func TestPins_Approve(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "#!/bin/sh\necho hi\n")
	digest, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}

	if err := (Pins{path: digest}).Approve(path, nil); err != nil {
		t.Errorf("matching digest rejected: %v", err)
	}

	other := Digest(blake3.Sum256([]byte("other")))
	err = (Pins{path: other}).Approve(path, nil)
	if err == nil || !strings.Contains(err.Error(), "digest mismatch") {
		t.Errorf("mismatch err = %v", err)
	}

	if err := (Pins{}).Approve(path, nil); err != nil {
		t.Errorf("unpinned executable rejected: %v", err)
	}
}
