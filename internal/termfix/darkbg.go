// ABOUTME: Fixes the lipgloss background mode before bubbletea initialises
// ABOUTME: Blank-import this package ahead of anything that pulls in bubbletea

package termfix

import (
	"os"

	"github.com/charmbracelet/lipgloss"
)

// LightEnv selects the light palette when set to "1".
const LightEnv = "HOSTBRIDGE_LIGHT"

func init() {
	// bubbletea's init asks lipgloss for the background, which queries the
	// terminal with OSC 11 unless a value was set first. On a piped stderr
	// that query leaks into the console output.
	lipgloss.SetHasDarkBackground(os.Getenv(LightEnv) != "1")
}
