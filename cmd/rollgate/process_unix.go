//go:build !windows
// +build !windows

package main

import (
	"os"
	"os/exec"
	"syscall"
)

// setupServerProcess puts the daemonized server in its own process group so
// it survives the terminal session that launched it.
func setupServerProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// isProcessRunning probes the PID with signal 0. FindProcess never fails on
// Unix, so the probe is what actually answers.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// terminateProcess asks the server to shut down gracefully. The caller
// escalates to Kill if it does not exit in time.
func terminateProcess(process *os.Process) error {
	return process.Signal(syscall.SIGTERM)
}
