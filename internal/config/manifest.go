// ABOUTME: Helper manifest parsing: delegated providers and the build server
// ABOUTME: YAML via yaml.v3; Validate collects every problem instead of stopping at the first

package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"regexp"
	"slices"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mauromedda/hostbridge/internal/binhash"
)

// Manifest declares the helper processes the host may start.
type Manifest struct {
	Helpers []Helper `yaml:"helpers"`
	Build   *Build   `yaml:"build,omitempty"`
}

// Helper is one long-lived line-protocol child exposed as a provider.
type Helper struct {
	Name         string            `yaml:"name"`
	Provider     string            `yaml:"provider,omitempty"`
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	Dir          string            `yaml:"dir,omitempty"`
	Digest       string            `yaml:"digest,omitempty"`
	ProcessGroup bool              `yaml:"processGroup,omitempty"`
	Timeout      Duration          `yaml:"timeout,omitempty"`
	Grace        Duration          `yaml:"grace,omitempty"`
	Suppress     []string          `yaml:"suppress,omitempty"`
	Methods      []Method          `yaml:"methods"`
}

// Method is a provider method forwarded to the helper.
type Method struct {
	Name    string   `yaml:"name"`
	Remote  string   `yaml:"remote,omitempty"`
	Params  []string `yaml:"params,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// Build describes the project's build/dev server.
type Build struct {
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args,omitempty"`
	Dir          string            `yaml:"dir,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	Ready        string            `yaml:"ready,omitempty"`
	ProcessGroup *bool             `yaml:"processGroup,omitempty"`
	StopGrace    Duration          `yaml:"stopGrace,omitempty"`
}

// LoadManifest reads a manifest file. A missing file yields an empty
// manifest and an error satisfying errors.Is(err, os.ErrNotExist).
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Manifest{}, err
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// ParseManifest decodes a manifest from YAML bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// Validate rejects manifests the host cannot serve.
func (m *Manifest) Validate() error {
	var errs []error
	names := make(map[string]bool)
	providers := make(map[string]bool)
	for i := range m.Helpers {
		h := &m.Helpers[i]
		label := h.Name
		if label == "" {
			label = fmt.Sprintf("helpers[%d]", i)
			errs = append(errs, fmt.Errorf("%s: missing name", label))
		} else if names[h.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate helper name", label))
		}
		names[h.Name] = true

		provider := h.ProviderID()
		if provider != "" && providers[provider] {
			errs = append(errs, fmt.Errorf("%s: provider %q declared twice", label, provider))
		}
		providers[provider] = true

		if h.Command == "" {
			errs = append(errs, fmt.Errorf("%s: missing command", label))
		}
		if h.Digest != "" {
			if _, err := binhash.ParseDigest(h.Digest); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", label, err))
			}
		}
		if _, err := h.SuppressPatterns(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
		if len(h.Methods) == 0 {
			errs = append(errs, fmt.Errorf("%s: no methods", label))
		}
		seen := make(map[string]bool)
		for _, method := range h.Methods {
			if method.Name == "" {
				errs = append(errs, fmt.Errorf("%s: method without name", label))
				continue
			}
			if seen[method.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate method %q", label, method.Name))
			}
			seen[method.Name] = true
		}
	}
	if m.Build != nil {
		if m.Build.Command == "" {
			errs = append(errs, errors.New("build: missing command"))
		}
		if _, err := m.Build.ReadyPattern(); err != nil {
			errs = append(errs, fmt.Errorf("build: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Helper returns the helper named name.
func (m *Manifest) Helper(name string) (*Helper, bool) {
	for i := range m.Helpers {
		if m.Helpers[i].Name == name {
			return &m.Helpers[i], true
		}
	}
	return nil, false
}

// ProviderID is the router provider id; it defaults to the helper name.
func (h *Helper) ProviderID() string {
	if h.Provider != "" {
		return h.Provider
	}
	return h.Name
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (h *Helper) EnvList() []string {
	return envList(h.Env)
}

// SuppressPatterns compiles the benign-error patterns.
func (h *Helper) SuppressPatterns() ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(h.Suppress))
	for _, expr := range h.Suppress {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("suppress pattern %q: %w", expr, err)
		}
		patterns = append(patterns, re)
	}
	return patterns, nil
}

// RemoteMethod is the line-protocol method the call is forwarded as.
func (m Method) RemoteMethod() string {
	if m.Remote != "" {
		return m.Remote
	}
	return m.Name
}

// UsesProcessGroup reports whether the build server gets its own group.
// It defaults to true since dev servers usually fork workers.
func (b *Build) UsesProcessGroup() bool {
	return b.ProcessGroup == nil || *b.ProcessGroup
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (b *Build) EnvList() []string {
	return envList(b.Env)
}

// ReadyPattern compiles the ready pattern; nil when none is configured.
func (b *Build) ReadyPattern() (*regexp.Regexp, error) {
	if b.Ready == "" {
		return nil, nil
	}
	re, err := regexp.Compile(b.Ready)
	if err != nil {
		return nil, fmt.Errorf("ready pattern %q: %w", b.Ready, err)
	}
	return re, nil
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := slices.Collect(maps.Keys(env))
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
