// ABOUTME: Unix stop strategy: optional process group, SIGTERM then SIGKILL
// ABOUTME: Group signals target -pgid so descendants of the child are reached too

//go:build unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

const groupSignalSupported = true

// configure sets the process attributes for cmd before Start.
func configure(cmd *exec.Cmd, group bool) {
	attr := &syscall.SysProcAttr{Setpgid: group}
	setDeathSignal(attr)
	cmd.SysProcAttr = attr
}

func newSignaler(p *os.Process, group bool) signaler {
	if group {
		// Setpgid with Pgid 0 makes the child the group leader.
		return unixSignaler{target: -p.Pid, group: true}
	}
	return unixSignaler{target: p.Pid}
}

// unixSignaler signals a process (positive target) or a group (negative).
type unixSignaler struct {
	target int
	group  bool
}

func (s unixSignaler) terminate() error {
	return s.send(unix.SIGTERM)
}

func (s unixSignaler) kill() error {
	return s.send(unix.SIGKILL)
}

// sweep relies on the kernel keeping a pgid reserved while any member of
// the group is alive, so -target cannot name an unrelated group.
func (s unixSignaler) sweep() error {
	if !s.group {
		return nil
	}
	return s.send(unix.SIGKILL)
}

func (s unixSignaler) send(sig unix.Signal) error {
	err := unix.Kill(s.target, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
