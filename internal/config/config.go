// ABOUTME: Host settings loading with global + project config merge
// ABOUTME: Settings files are JSONC (comments and trailing commas) parsed via tidwall/jsonc

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/mauromedda/hostbridge/internal/log"
)

// Defaults applied by Settings.ApplyDefaults.
const (
	DefaultListen        = "127.0.0.1:0"
	DefaultLogLevel      = "info"
	DefaultRouterTimeout = 30 * time.Second
	DefaultStopGrace     = 5 * time.Second
	DefaultWatchInterval = 2 * time.Second
)

// Settings holds the merged host configuration.
type Settings struct {
	Listen         string   `json:"listen,omitempty"`
	Token          string   `json:"token,omitempty"`
	Manifest       string   `json:"manifest,omitempty"`
	LogLevel       string   `json:"logLevel,omitempty"`
	RouterTimeout  Duration `json:"routerTimeout,omitempty"`
	StopGrace      Duration `json:"stopGrace,omitempty"`
	FSRoots        []string `json:"fsRoots,omitempty"`
	Watch          []string `json:"watch,omitempty"`
	WatchInterval  Duration `json:"watchInterval,omitempty"`
	SettingsStore  string   `json:"settingsStore,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// Load reads and merges global and project-local settings.
// Project settings override global settings.
func Load(projectRoot string) (*Settings, error) {
	return LoadWithHome(projectRoot, GlobalDir())
}

// LoadWithHome is Load with an explicit global directory.
func LoadWithHome(projectRoot, globalDir string) (*Settings, error) {
	global, err := LoadFile(settingsFileIn(globalDir))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading global settings: %w", err)
	}

	project, err := LoadFile(ProjectSettingsFile(projectRoot))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading project settings: %w", err)
	}

	return Merge(global, project), nil
}

// LoadFile reads Settings from a JSONC file. A missing file returns empty
// Settings together with an error satisfying errors.Is(err, os.ErrNotExist).
func LoadFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return &Settings{}, err
	}
	var s Settings
	if err := json.Unmarshal(jsonc.ToJSON(data), &s); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	log.Debug("config: loaded %s", path)
	return &s, nil
}

// Merge overlays over onto base. Non-zero values in over win; list fields
// replace rather than append.
func Merge(base, over *Settings) *Settings {
	if base == nil {
		base = &Settings{}
	}
	if over == nil {
		result := *base
		return &result
	}

	result := *base

	if over.Listen != "" {
		result.Listen = over.Listen
	}
	if over.Token != "" {
		result.Token = over.Token
	}
	if over.Manifest != "" {
		result.Manifest = over.Manifest
	}
	if over.LogLevel != "" {
		result.LogLevel = over.LogLevel
	}
	if over.RouterTimeout != 0 {
		result.RouterTimeout = over.RouterTimeout
	}
	if over.StopGrace != 0 {
		result.StopGrace = over.StopGrace
	}
	if len(over.FSRoots) > 0 {
		result.FSRoots = over.FSRoots
	}
	if len(over.Watch) > 0 {
		result.Watch = over.Watch
	}
	if over.WatchInterval != 0 {
		result.WatchInterval = over.WatchInterval
	}
	if over.SettingsStore != "" {
		result.SettingsStore = over.SettingsStore
	}
	if len(over.AllowedOrigins) > 0 {
		result.AllowedOrigins = over.AllowedOrigins
	}

	return &result
}

// ApplyDefaults fills every unset field with its default.
func (s *Settings) ApplyDefaults() {
	if s.Listen == "" {
		s.Listen = DefaultListen
	}
	if s.LogLevel == "" {
		s.LogLevel = DefaultLogLevel
	}
	if s.RouterTimeout == 0 {
		s.RouterTimeout = Duration(DefaultRouterTimeout)
	}
	if s.StopGrace == 0 {
		s.StopGrace = Duration(DefaultStopGrace)
	}
	if s.WatchInterval == 0 {
		s.WatchInterval = Duration(DefaultWatchInterval)
	}
}

// Validate reports settings that cannot be used.
func (s *Settings) Validate() error {
	var errs []error
	switch strings.ToLower(s.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown logLevel %q", s.LogLevel))
	}
	if s.RouterTimeout < 0 {
		errs = append(errs, errors.New("routerTimeout must not be negative"))
	}
	if s.StopGrace < 0 {
		errs = append(errs, errors.New("stopGrace must not be negative"))
	}
	if s.WatchInterval < 0 {
		errs = append(errs, errors.New("watchInterval must not be negative"))
	}
	return errors.Join(errs...)
}
