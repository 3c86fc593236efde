// ABOUTME: CLI flag parsing using spf13/pflag
// ABOUTME: Supports --settings, --manifest, --listen, --verbose, --console, --version

package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/mauromedda/hostbridge/internal/config"
)

// errHelp signals that help was printed and the process should exit 0.
var errHelp = errors.New("help requested")

type cliArgs struct {
	settings string
	manifest string
	listen   string
	verbose  bool
	console  bool
	version  bool
}

func parseFlags(argv []string, stderr io.Writer) (cliArgs, error) {
	var args cliArgs

	flagSet := pflag.NewFlagSet("hostbridge", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&args.settings, "settings", "", "settings file applied over the global and project settings")
	flagSet.StringVar(&args.manifest, "manifest", "", "helper manifest (default: .hostbridge/helpers.yaml, then ~/.hostbridge/helpers.yaml)")
	flagSet.StringVar(&args.listen, "listen", "", "address surfaces connect to (default 127.0.0.1:0)")
	flagSet.BoolVarP(&args.verbose, "verbose", "v", false, "enable debug logging")
	flagSet.BoolVar(&args.console, "console", false, "attach the terminal console surface")
	flagSet.BoolVar(&args.version, "version", false, "show version and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stderr, flagSet)
			return args, errHelp
		}
		return args, err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(stderr, flagSet)
		return args, errHelp
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return args, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return args, nil
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `hostbridge connects UI surfaces to host providers and helper processes.

Surfaces connect over WebSocket to /surfaces/<id>?token=<token> on the
listen address. Helpers declared in the manifest start on first use.

Settings are read from %s, then
.hostbridge/settings.jsonc in the working directory, then --settings.

Usage:
  hostbridge [flags]

Flags:
%s`, config.GlobalSettingsFile(), flagSet.FlagUsages())
}
