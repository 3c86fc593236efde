// ABOUTME: Fallback stop strategy for platforms without process groups
// ABOUTME: Signals the single child directly under the same two-phase contract

//go:build !unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
)

const groupSignalSupported = false

func configure(*exec.Cmd, bool) {}

func newSignaler(p *os.Process, _ bool) signaler {
	return processSignaler{p: p}
}

type processSignaler struct {
	p *os.Process
}

func (s processSignaler) terminate() error {
	// Interrupt is not deliverable everywhere; treat that as an immediate kill.
	if err := s.p.Signal(os.Interrupt); err != nil {
		return s.kill()
	}
	return nil
}

func (processSignaler) sweep() error { return nil }

func (s processSignaler) kill() error {
	err := s.p.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
