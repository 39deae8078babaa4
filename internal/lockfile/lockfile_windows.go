//go:build windows

package lockfile

import (
	"fmt"
	"os"
)

// isProcessRunning checks if a process with the given PID is running
// (Windows). FindProcess only fails for dead pids on Windows, so a non-error
// result means the process exists.
func isProcessRunning(pid int) (bool, string) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, fmt.Sprintf("process %d not found", pid)
	}
	proc.Release()
	return true, ""
}
