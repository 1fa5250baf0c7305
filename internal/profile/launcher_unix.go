//go:build unix

package profile

import (
	"os/exec"
	"syscall"
)

// setDetached puts the daemon child in its own session so it survives
// the launching process's controlling terminal, mirroring the
// teacher's daemon/manager.go startDaemon's Setsid use.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
