// ABOUTME: Standard filesystem paths for hostbridge configuration and data
// ABOUTME: Resolves ~/.hostbridge/ for global and .hostbridge/ for project-local paths

package config

import (
	"os"
	"path/filepath"
)

const (
	globalDirName  = ".hostbridge"
	projectDirName = ".hostbridge"

	settingsFileName = "settings.jsonc"
	manifestFileName = "helpers.yaml"
)

// GlobalDir returns the user-global config directory (~/.hostbridge/).
func GlobalDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", globalDirName)
	}
	return filepath.Join(home, globalDirName)
}

// ProjectDir returns the project-local config directory (.hostbridge/ in root).
func ProjectDir(projectRoot string) string {
	return filepath.Join(projectRoot, projectDirName)
}

// GlobalSettingsFile returns the path to the global settings file.
func GlobalSettingsFile() string {
	return settingsFileIn(GlobalDir())
}

// ProjectSettingsFile returns the path to the project-local settings file.
func ProjectSettingsFile(projectRoot string) string {
	return settingsFileIn(ProjectDir(projectRoot))
}

// ManifestFile resolves the helper manifest: the project-local file when
// present, otherwise the global one.
func ManifestFile(projectRoot string) string {
	local := filepath.Join(ProjectDir(projectRoot), manifestFileName)
	if _, err := os.Stat(local); err == nil {
		return local
	}
	return filepath.Join(GlobalDir(), manifestFileName)
}

// SettingsStoreFile returns the default per-surface settings store.
func SettingsStoreFile() string {
	return filepath.Join(GlobalDir(), "surfaces.json")
}

// EnsureDir creates a directory and all parents if they don't exist.
// Uses 0o700 since the directory may hold the surface token.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o700)
}

func settingsFileIn(dir string) string {
	return filepath.Join(dir, settingsFileName)
}
