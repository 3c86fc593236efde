// ABOUTME: CLI entry point for the hostbridge host process
// ABOUTME: Loads settings and the helper manifest, runs the host until SIGINT/SIGTERM or console quit

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	// termfix must be imported before any package that imports bubbletea.
	_ "github.com/mauromedda/hostbridge/internal/termfix"

	"github.com/mauromedda/hostbridge/internal/config"
	"github.com/mauromedda/hostbridge/internal/console"
	"github.com/mauromedda/hostbridge/internal/host"
	"github.com/mauromedda/hostbridge/internal/log"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	args, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, errHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	if args.version {
		fmt.Printf("hostbridge %s (%s)\n", version, commit)
		os.Exit(0)
	}

	if err := run(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args cliArgs) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working directory: %w", err)
	}

	settings, err := loadSettings(cwd, args)
	if err != nil {
		return err
	}
	log.SetLevel(log.ParseLevel(settings.LogLevel))
	if args.verbose {
		log.SetLevel(log.LevelDebug)
	}

	manifest, err := loadManifest(cwd, settings.Manifest)
	if err != nil {
		return err
	}

	h, err := host.New(host.Options{Settings: settings, Manifest: manifest, Version: version})
	if err != nil {
		return err
	}
	if err := h.Listen(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "hostbridge %s listening on %s\n", version, h.Addr())
	fmt.Fprintf(os.Stderr, "console surface: %s\n", h.SurfaceURL("console"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if args.console {
		if !console.IsTerminal(os.Stdin) {
			return console.ErrNotTerminal
		}
		go func() {
			defer cancel()
			if err := console.Run(ctx, h.Fanout(), h.Supervisor(), "hostbridge "+version); err != nil {
				log.Error("console: %v", err)
			}
		}()
	}

	return h.Run(ctx)
}

// loadSettings merges global, project, --settings and flag values, in
// increasing precedence.
func loadSettings(cwd string, args cliArgs) (*config.Settings, error) {
	settings, err := config.Load(cwd)
	if err != nil {
		return nil, err
	}
	if args.settings != "" {
		explicit, err := config.LoadFile(args.settings)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", args.settings, err)
		}
		settings = config.Merge(settings, explicit)
	}
	settings = config.Merge(settings, &config.Settings{
		Listen:   args.listen,
		Manifest: args.manifest,
	})
	if settings.SettingsStore == "" {
		settings.SettingsStore = config.SettingsStoreFile()
	}
	settings.ApplyDefaults()
	return settings, settings.Validate()
}

// loadManifest reads the manifest at path, or the default location when
// path is empty. Only an explicitly named manifest must exist.
func loadManifest(cwd, path string) (*config.Manifest, error) {
	explicit := path != ""
	if !explicit {
		path = config.ManifestFile(cwd)
	}
	m, err := config.LoadManifest(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			log.Debug("host: no helper manifest at %s", path)
			return &config.Manifest{}, nil
		}
		return nil, fmt.Errorf("loading manifest: %w", err)
	}
	log.Info("host: %d helpers declared in %s", len(m.Helpers), path)
	return m, nil
}
