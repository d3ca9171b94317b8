//go:build !windows

package main

import "syscall"

// detachedProcAttr starts a child in its own session so it outlives the
// terminal that launched it.
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
