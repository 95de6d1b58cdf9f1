//go:build unix

package archive

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

var errProcessDone = os.ErrProcessDone

// setProcessGroup places the archiver in its own process group so that
// helpers it forks are killed along with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcess(cmd *exec.Cmd) error {
	pid := cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil {
		if err == unix.ESRCH {
			return cmd.Process.Kill()
		}
		return err
	}
	return nil
}
