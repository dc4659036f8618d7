//go:build windows

package process

import (
	"fmt"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/windows"
)

// Windows has no concept of parent/child processes or signals. The best we
// can do is create the child inside its own console group and send
// break/ctrl-c events to that group.

func (p *Process) setupProcessGroup() {
	p.command.SysProcAttr = &windows.SysProcAttr{
		CreationFlags: windows.CREATE_UNICODE_ENVIRONMENT | windows.CREATE_NEW_PROCESS_GROUP,
	}
}

func (p *Process) postStart() error {
	return nil
}

func (p *Process) terminateProcessGroup() error {
	p.logger.Debug("[Process] Terminating process tree with TASKKILL.EXE PID: %d", p.pid)
	return exec.Command("CMD", "/C", "TASKKILL.EXE", "/F", "/T", "/PID", strconv.Itoa(p.pid)).Run()
}

func (p *Process) interruptProcessGroup() error {
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(p.pid))
}

// SignalString returns the name of the given signal.
func SignalString(s syscall.Signal) string {
	return fmt.Sprintf("%v", s)
}
