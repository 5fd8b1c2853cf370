//go:build !unix

package execsession

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

func killGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	_ = p.Kill()
	return nil
}
