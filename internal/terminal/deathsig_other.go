//go:build !linux

package terminal

import "syscall"

func setDeathSignal(*syscall.SysProcAttr) {}
