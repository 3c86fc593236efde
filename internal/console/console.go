// ABOUTME: Entry point for the terminal console surface
// ABOUTME: Feeds fanout deliveries and host log lines into a Bubble Tea program until quit

package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/mauromedda/hostbridge/internal/eventbus"
	"github.com/mauromedda/hostbridge/internal/fanout"
	"github.com/mauromedda/hostbridge/internal/log"
)

// ErrNotTerminal is returned when the console is requested without a TTY.
var ErrNotTerminal = errors.New("console requires an interactive terminal")

// Subscriber is the part of the fanout the console listens on.
type Subscriber interface {
	Subscribe(event string, fn func(fanout.Delivery)) func()
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Run shows the console on the terminal until the user quits or ctx is
// done. While it runs, host log output is captured into the console.
func Run(ctx context.Context, sub Subscriber, procs ProcessLister, title string) error {
	if !IsTerminal(os.Stdin) || !IsTerminal(os.Stderr) {
		return ErrNotTerminal
	}

	p := tea.NewProgram(
		NewModel(procs, title),
		tea.WithContext(ctx),
		tea.WithOutput(os.Stderr),
		tea.WithAltScreen(),
	)

	unsubscribe := sub.Subscribe(eventbus.Wildcard, func(d fanout.Delivery) {
		p.Send(DeliveryMsg(d))
	})
	defer unsubscribe()

	prev := log.SetOutput(&lineWriter{send: func(line string) { p.Send(LogMsg(line)) }})
	defer log.SetOutput(prev)

	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("bubble tea: %w", err)
	}
	return nil
}

// lineWriter splits writes into lines for the console.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	send func(string)
}

var _ io.Writer = (*lineWriter)(nil)

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		w.send(line[:len(line)-1])
	}
}
