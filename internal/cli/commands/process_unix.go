//go:build !windows

package commands

import (
	"errors"
	"syscall"
	"time"
)

// checkProcessRunning probes pid with signal 0. EPERM still means it exists.
func checkProcessRunning(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// terminateProcess asks the gateway to drain and exit.
func terminateProcess(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}

func killProcess(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}

// waitForProcessExit reports whether pid exited before timeout.
func waitForProcessExit(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !checkProcessRunning(pid) {
			return true
		}
		time.Sleep(150 * time.Millisecond)
	}
	return false
}
