// ABOUTME: Tests for CLI flag parsing and manifest loading
// ABOUTME: Uses temp dirs only; never touches the user's global settings

package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	args, err := parseFlags([]string{"--listen", "127.0.0.1:9000", "-v", "--console", "--manifest", "h.yaml"}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if args.listen != "127.0.0.1:9000" || !args.verbose || !args.console || args.manifest != "h.yaml" {
		t.Errorf("args = %+v", args)
	}
}

func TestParseFlags_Help(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	_, err := parseFlags([]string{"-h"}, &out)
	if !errors.Is(err, errHelp) {
		t.Fatalf("err = %v, want errHelp", err)
	}
	if !strings.Contains(out.String(), "--manifest") {
		t.Errorf("help output missing flags:\n%s", out.String())
	}
}

func TestParseFlags_RejectsPositional(t *testing.T) {
	t.Parallel()

	if _, err := parseFlags([]string{"extra"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for positional argument")
	}
}

func TestParseFlags_UnknownFlag(t *testing.T) {
	t.Parallel()

	if _, err := parseFlags([]string{"--nope"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}

func TestLoadManifest_ExplicitMissing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := loadManifest(dir, filepath.Join(dir, "absent.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want not-exist", err)
	}
}

func TestLoadManifest_Explicit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "helpers.yaml")
	data := `helpers:
  - name: echo
    command: hostbridge-echo
    methods:
      - name: ping
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := loadManifest(dir, path)
	if err != nil {
		t.Fatalf("loadManifest: %v", err)
	}
	if len(m.Helpers) != 1 || m.Helpers[0].Name != "echo" {
		t.Errorf("helpers = %+v", m.Helpers)
	}
}
