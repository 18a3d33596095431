package util

import (
	"fmt"
	"math"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/mitchellh/go-ps"
	"go.uber.org/zap"
)

// EnsureDirExists creates the given directory path if it doesn't already exist.
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}
	return nil
}

// FileExists checks if a file exists and is not a directory.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// Linux returns true if we're running on Linux.
func Linux() bool {
	return runtime.GOOS == "linux"
}

// SetupCloseHandler creates a listener that will notify the program
// if it receives an interrupt signal from the OS.
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	return c
}

// OpenExternal spawns a detached process (e.g., opening a file in an editor) with the given command and argument.
func OpenExternal(logger *zap.SugaredLogger, cmd string, arg string) error {
	command := createExternalCommand(cmd, arg)
	if err := command.Run(); err != nil {
		logger.Warnw("Failed to spawn detached process", "command", cmd, "argument", arg, "error", err)
		return fmt.Errorf("spawn detached proc: %w", err)
	}
	return nil
}

// ProcessName returns the executable name of the process with the given PID.
func ProcessName(pid int) (string, error) {
	process, err := ps.FindProcess(pid)
	if err != nil {
		return "", fmt.Errorf("find process for PID %d: %w", pid, err)
	}
	if process == nil {
		return "", fmt.Errorf("no process with PID %d", pid)
	}
	return process.Executable(), nil
}

// TruncatePercent drops the fractional part of a 0-100 value (42.9 -> 42).
func TruncatePercent(v float64) int {
	return int(math.Trunc(v))
}

// ScalarToPercent converts a 0.0-1.0 device scalar into a 0-100 value,
// clamping anything the OS reports outside that range. The result is rounded
// to two decimals so float32 noise (0.61 -> 60.9999978) stays on its integer.
func ScalarToPercent(v float32) float64 {
	p := math.Round(float64(v)*100*100) / 100
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// createExternalCommand prepares the appropriate command for launching an external process depending on the OS.
func createExternalCommand(cmd string, arg string) *exec.Cmd {
	if Linux() {
		return exec.Command("/bin/bash", "-c", fmt.Sprintf("%s %s", cmd, arg))
	}
	return exec.Command("cmd.exe", "/C", "start", "/b", cmd, arg)
}
