package gpu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultTool is the query tool looked up when no path is configured.
const DefaultTool = "nvidia-smi"

var commonToolPaths = []string{
	"/usr/bin/nvidia-smi",
	"/usr/local/bin/nvidia-smi",
	"/usr/local/nvidia/bin/nvidia-smi",
	"/opt/nvidia/bin/nvidia-smi",
	"/usr/lib/wsl/lib/nvidia-smi",
}

// Runner invokes the query tool and returns its standard output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs the tool as a subprocess.
type ExecRunner struct{}

// Run implements Runner. A non-zero exit is an error carrying the tool's
// stderr.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if msg := strings.TrimSpace(string(exitErr.Stderr)); msg != "" {
				return nil, fmt.Errorf("%s: %w: %s", filepath.Base(name), err, msg)
			}
		}
		return nil, fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	return out, nil
}

// ResolveToolPath returns a runnable path for the tool. Explicit paths are
// returned unchanged; bare names are looked up in PATH and then in the
// usual driver install locations.
func ResolveToolPath(name string) string {
	if name == "" {
		name = DefaultTool
	}
	if strings.ContainsRune(name, filepath.Separator) {
		return name
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	if name == DefaultTool {
		for _, candidate := range commonToolPaths {
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate
			}
		}
	}
	return name
}
