//go:build unix

package processcontrolimpl

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/core-tools/hsu-watchdog/pkg/errors"

	"golang.org/x/sys/unix"
)

// setProcAttributes puts the child in its own process group so the whole tree is signalled together
func setProcAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func sendTerminationSignal(pid int) error {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return unix.Kill(pid, unix.SIGTERM)
		}
		return err
	}
	return nil
}

func killProcess(proc *os.Process) error {
	if err := unix.Kill(-proc.Pid, unix.SIGKILL); err != nil {
		return proc.Kill()
	}
	return nil
}

func setPriority(pid int, priority int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, pid, priority)
}

func bringToFront(pid int) error {
	return errors.NewProcessError("window management is not supported on this platform", nil).WithContext("pid", pid)
}
