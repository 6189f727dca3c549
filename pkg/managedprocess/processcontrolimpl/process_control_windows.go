//go:build windows

package processcontrolimpl

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"unsafe"

	"github.com/core-tools/hsu-watchdog/pkg/errors"

	"golang.org/x/sys/windows"
)

const (
	swRestore = 9

	belowNormalPriorityClass = 0x00004000
	aboveNormalPriorityClass = 0x00008000
)

var (
	user32                  = windows.NewLazySystemDLL("user32.dll")
	procSetForegroundWindow = user32.NewProc("SetForegroundWindow")
	procShowWindow          = user32.NewProc("ShowWindow")

	kernel32             = windows.NewLazySystemDLL("kernel32.dll")
	procSetPriorityClass = kernel32.NewProc("SetPriorityClass")

	// Callbacks are never released, so a single one is shared by all searches
	enumWindowsCallback = windows.NewCallback(findWindowOfProcess)
)

type windowSearch struct {
	pid  uint32
	hwnd windows.HWND
}

func findWindowOfProcess(hwnd windows.HWND, lparam uintptr) uintptr {
	search := (*windowSearch)(unsafe.Pointer(lparam))

	var pid uint32
	if _, err := windows.GetWindowThreadProcessId(hwnd, &pid); err != nil {
		return 1
	}
	if pid == search.pid && windows.IsWindowVisible(hwnd) {
		search.hwnd = hwnd
		return 0
	}
	return 1
}

func setProcAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// sendTerminationSignal asks the process tree to close; without /F taskkill
// posts WM_CLOSE to windowed and console applications
func sendTerminationSignal(pid int) error {
	return exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid)).Run()
}

func killProcess(proc *os.Process) error {
	if err := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(proc.Pid)).Run(); err != nil {
		return proc.Kill()
	}
	return nil
}

func setPriority(pid int, priority int) error {
	priorityClass := uintptr(belowNormalPriorityClass)
	if priority < 0 {
		priorityClass = aboveNormalPriorityClass
	}

	handle, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(handle)

	if ret, _, err := procSetPriorityClass.Call(uintptr(handle), priorityClass); ret == 0 {
		return err
	}
	return nil
}

func bringToFront(pid int) error {
	search := &windowSearch{pid: uint32(pid)}

	// EnumWindows reports an error when the callback stops the enumeration early
	_ = windows.EnumWindows(enumWindowsCallback, unsafe.Pointer(search))

	if search.hwnd == 0 {
		return errors.NewProcessError("process has no visible top-level window", nil).WithContext("pid", pid)
	}

	procShowWindow.Call(uintptr(search.hwnd), swRestore)
	if ret, _, err := procSetForegroundWindow.Call(uintptr(search.hwnd)); ret == 0 {
		return errors.NewProcessError("failed to raise window", err).WithContext("pid", pid)
	}
	return nil
}
