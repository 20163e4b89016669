//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

const (
	createNewProcessGroup   = 0x00000200
	processTerminate        = 0x0001
	processQueryInformation = 0x0400
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

func openProcess(access uint32, pid int) (syscall.Handle, error) {
	ret, _, err := procOpenProcess.Call(uintptr(access), 0, uintptr(uint32(pid)))
	if ret == 0 {
		return 0, err
	}
	return syscall.Handle(ret), nil
}

func closeHandle(h syscall.Handle) { _, _, _ = procCloseHandle.Call(uintptr(h)) }

// Exists reports whether pid can be opened for query.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := openProcess(processQueryInformation, pid)
	if err != nil {
		return false
	}
	closeHandle(h)
	return true
}

// Signal terminates pid; Windows has no graceful signal for console-less children.
func Signal(pid int, _ syscall.Signal) error {
	if pid <= 0 {
		return ErrNoProcess
	}
	h, err := openProcess(processTerminate, pid)
	if err != nil {
		return ErrNoProcess
	}
	defer closeHandle(h)
	if ret, _, err := procTerminateProcess.Call(uintptr(h), 1); ret == 0 {
		return err
	}
	return nil
}

func terminate(pid int, _ bool) error { return Signal(pid, syscall.SIGTERM) }

func kill(pid int, _ bool) error { return Signal(pid, syscall.SIGKILL) }

func isZombie(int) bool { return false }
