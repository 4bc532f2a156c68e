//go:build unix

package native

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int) error {
	return ignoreGone(unix.Kill(-pid, unix.SIGTERM))
}

func killGroup(pid int) error {
	return ignoreGone(unix.Kill(-pid, unix.SIGKILL))
}

func groupAlive(pid int) bool {
	return unix.Kill(-pid, 0) == nil
}

func ignoreGone(err error) error {
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
