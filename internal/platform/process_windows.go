//go:build windows

package platform

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/yusufpapurcu/wmi"
	"golang.org/x/sys/windows"
)

// WindowsProcesses enumerates processes with a toolhelp snapshot and resolves
// image paths natively, falling back to WMI for protected processes.
type WindowsProcesses struct{}

// NewProcesses returns the native process backend.
func NewProcesses() (Processes, error) {
	return WindowsProcesses{}, nil
}

// List returns the IDs of every live process.
func (WindowsProcesses) List() ([]int, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, fmt.Errorf("CreateToolhelp32Snapshot: %w", err)
	}
	defer windows.CloseHandle(snap)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))
	if err := windows.Process32First(snap, &entry); err != nil {
		return nil, fmt.Errorf("Process32First: %w", err)
	}

	var pids []int
	for {
		pids = append(pids, int(entry.ProcessID))
		if err := windows.Process32Next(snap, &entry); err != nil {
			if errors.Is(err, windows.ERROR_NO_MORE_FILES) {
				break
			}
			return nil, fmt.Errorf("Process32Next: %w", err)
		}
	}
	return pids, nil
}

// ExecutablePath resolves the full image path of pid.
func (WindowsProcesses) ExecutablePath(pid int) (string, error) {
	if path, err := queryImageName(uint32(pid)); err == nil && path != "" {
		return path, nil
	}

	var rows []struct {
		ExecutablePath *string
	}
	q := fmt.Sprintf(`SELECT ExecutablePath FROM Win32_Process WHERE ProcessId=%d`, pid)
	if err := wmi.QueryNamespace(q, &rows, `root\cimv2`); err != nil {
		return "", fmt.Errorf("resolving image of pid %d: %w", pid, err)
	}
	if len(rows) == 0 || rows[0].ExecutablePath == nil || *rows[0].ExecutablePath == "" {
		return "", fmt.Errorf("pid %d has no resolvable image path", pid)
	}
	return *rows[0].ExecutablePath, nil
}

func queryImageName(pid uint32) (string, error) {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_LONG_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err != nil {
		return "", err
	}
	return windows.UTF16ToString(buf[:size]), nil
}

// Terminate kills pid with exit code 1.
func (WindowsProcesses) Terminate(pid int) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return fmt.Errorf("opening pid %d: %w", pid, err)
	}
	defer windows.CloseHandle(h)

	if err := windows.TerminateProcess(h, 1); err != nil {
		return fmt.Errorf("terminating pid %d: %w", pid, err)
	}
	return nil
}

// Newest returns the process with the latest creation time.
func (WindowsProcesses) Newest() (ProcessInfo, error) {
	var rows []struct {
		ProcessId    uint32
		Name         string
		CreationDate time.Time
	}
	if err := wmi.QueryNamespace(`SELECT ProcessId,Name,CreationDate FROM Win32_Process`, &rows, `root\cimv2`); err != nil {
		return ProcessInfo{}, fmt.Errorf("querying Win32_Process: %w", err)
	}
	if len(rows) == 0 {
		return ProcessInfo{}, errors.New("no processes returned")
	}
	newest := rows[0]
	for _, r := range rows[1:] {
		if r.CreationDate.After(newest.CreationDate) {
			newest = r
		}
	}
	return ProcessInfo{PID: int(newest.ProcessId), Name: newest.Name}, nil
}
