// ABOUTME: Linux parent-death signal for supervised children
// ABOUTME: Children receive SIGKILL if the host dies without running its shutdown hook

//go:build linux

package supervisor

import "syscall"

func setDeathSignal(attr *syscall.SysProcAttr) {
	attr.Pdeathsig = syscall.SIGKILL
}
