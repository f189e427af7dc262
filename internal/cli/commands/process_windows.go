//go:build windows

package commands

import (
	"os"
	"time"
)

// checkProcessRunning cannot probe without a handle on Windows; FindProcess
// succeeding is treated as running.
func checkProcessRunning(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}

// terminateProcess has no graceful equivalent to SIGTERM on Windows.
func terminateProcess(pid int) error {
	return killProcess(pid)
}

func killProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}

// waitForProcessExit reports whether pid exited before timeout.
func waitForProcessExit(pid int, timeout time.Duration) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return true
	}

	done := make(chan struct{})
	go func() {
		_, _ = process.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
