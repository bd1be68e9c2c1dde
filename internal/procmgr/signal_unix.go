//go:build unix

package procmgr

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcGroup isolates the child into its own process group, grounded on
// the teacher's newProcess/superviseProcess SysProcAttr setup.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

func stopGroup(pgid int) error  { return syscall.Kill(-pgid, syscall.SIGSTOP) }
func contGroup(pgid int) error  { return syscall.Kill(-pgid, syscall.SIGCONT) }
func termGroup(pgid int) error  { return syscall.Kill(-pgid, syscall.SIGTERM) }
func killGroup(pgid int) error  { return syscall.Kill(-pgid, syscall.SIGKILL) }

// swallowESRCH treats "no such process" as success: the group is already
// gone, which is the outcome the caller wanted (spec.md §4.1: "Signal
// failures (ESRCH because the process already exited) are swallowed and
// treated as success").
func swallowESRCH(err error) error {
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

type waitStatusInfo struct {
	exitCode   int
	signaled   bool
	signalName string
}

func waitStatus(exitErr *exec.ExitError) waitStatusInfo {
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return waitStatusInfo{exitCode: exitErr.ExitCode()}
	}
	if status.Signaled() {
		return waitStatusInfo{
			exitCode:   128 + int(status.Signal()),
			signaled:   true,
			signalName: status.Signal().String(),
		}
	}
	return waitStatusInfo{exitCode: status.ExitStatus()}
}
