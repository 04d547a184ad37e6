//go:build windows
// +build windows

package main

import (
	"os"
	"os/exec"
	"syscall"
)

// setupServerProcess detaches the daemonized server from the console's
// Ctrl+C group, the closest Windows analog to a Unix process group.
func setupServerProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// isProcessRunning reports whether the PID maps to a live process.
// FindProcess opens a real handle on Windows, so its error is the answer.
// Signal probes are not supported here.
func isProcessRunning(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}

// terminateProcess stops the server. Windows delivers no SIGTERM, so this
// is an immediate Kill rather than a graceful request.
func terminateProcess(process *os.Process) error {
	return process.Kill()
}
