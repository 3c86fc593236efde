// ABOUTME: Output forwarding readers for supervised children
// ABOUTME: One reader per stream delivers lines in order and keeps draining on overlong lines

package supervisor

import (
	"bufio"
	"io"

	"github.com/mauromedda/hostbridge/internal/log"
	"github.com/mauromedda/hostbridge/pkg/lineproto"
)

// signaler is the per-entry stop strategy chosen at spawn time.
type signaler interface {
	terminate() error
	kill() error
	// sweep kills whatever is left of the child's process group once the
	// leader has been reaped. It is a no-op for single-process entries.
	sweep() error
}

func forwardLines(r io.Reader, stream Stream, fn func(Stream, string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), lineproto.MaxLineSize)
	for scanner.Scan() {
		fn(stream, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.Debug("supervisor: %s reader: %v", stream, err)
		// Keep the pipe drained so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, r)
	}
}
