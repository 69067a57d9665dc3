//go:build unix

package bridge

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// detach puts the host in its own process group so a terminal interrupt
// aimed at the producer does not kill the host before CloseBridge arrives.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(pid int) error {
	err := unix.Kill(pid, unix.SIGTERM)
	if err == unix.ESRCH {
		return nil
	}
	return err
}
