// ABOUTME: No parent-death signal outside Linux
// ABOUTME: The shutdown hook remains the only reaping path there

//go:build unix && !linux

package supervisor

import "syscall"

func setDeathSignal(*syscall.SysProcAttr) {}
