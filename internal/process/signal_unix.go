//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
)

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Exists reports whether pid refers to a live process. EPERM counts as alive:
// the process exists but belongs to another user.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Signal sends sig to a single pid.
func Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return ErrNoProcess
	}
	if err := syscall.Kill(pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return ErrNoProcess
		}
		return err
	}
	return nil
}

func terminate(pid int, group bool) error { return signalTarget(pid, group, syscall.SIGTERM) }

func kill(pid int, group bool) error { return signalTarget(pid, group, syscall.SIGKILL) }

// signalTarget signals the whole process group for spawned children so
// engine worker processes go down with their leader.
func signalTarget(pid int, group bool, sig syscall.Signal) error {
	if group {
		if err := syscall.Kill(-pid, sig); err == nil {
			return nil
		}
	}
	return Signal(pid, sig)
}

// isZombie reports a Linux zombie (State: Z) which kill(pid, 0) still sees.
func isZombie(pid int) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
