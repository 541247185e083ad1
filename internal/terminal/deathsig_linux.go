//go:build linux

package terminal

import "syscall"

func setDeathSignal(attr *syscall.SysProcAttr) {
	if attr == nil {
		return
	}
	attr.Pdeathsig = syscall.SIGHUP
}
