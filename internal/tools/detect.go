package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotAvailable is returned when a tool binary cannot be resolved.
var ErrNotAvailable = errors.New("tool not available")

// ToolStatus describes whether a tool binary is usable.
type ToolStatus struct {
	Name      string `json:"name"`
	Binary    string `json:"binary"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Binary names an external program and how to probe its version.
type Binary struct {
	Name       string
	Binary     string
	Configured string
	// ConfigErr marks a configured path that could not be read.
	ConfigErr  error
	VersionArg string
}

// IsExecutable reports whether path is a regular file with an execute bit.
func IsExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

// Resolve finds the program to run. A configured path must be an executable
// regular file; a bare name or an empty configuration falls back to PATH.
func Resolve(configured, binary string) (string, error) {
	configured = strings.TrimSpace(configured)
	if configured != "" && strings.ContainsRune(configured, filepath.Separator) {
		if IsExecutable(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("%w: %s is not an executable file", ErrNotAvailable, configured)
	}

	name := binary
	if configured != "" {
		name = configured
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %s is not installed or not on PATH", ErrNotAvailable, name)
	}
	return path, nil
}

// Detect resolves each binary and, when found, runs its version probe.
func Detect(ctx context.Context, bins []Binary) []ToolStatus {
	statuses := make([]ToolStatus, 0, len(bins))

	for _, bin := range bins {
		status := ToolStatus{
			Name:   bin.Name,
			Binary: bin.Binary,
		}

		path, err := Resolve(bin.Configured, bin.Binary)
		if bin.ConfigErr != nil {
			err = fmt.Errorf("%w: %w", ErrNotAvailable, bin.ConfigErr)
		}
		if err != nil {
			status.Error = err.Error()
			statuses = append(statuses, status)
			continue
		}
		status.Installed = true
		status.Path = path

		if bin.VersionArg != "" {
			status.Version = probeVersion(ctx, path, bin.VersionArg)
		}
		statuses = append(statuses, status)
	}

	return statuses
}

func probeVersion(ctx context.Context, path, arg string) string {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, arg).CombinedOutput()
	if err != nil && len(out) == 0 {
		return ""
	}

	version := strings.TrimSpace(string(out))
	if idx := strings.IndexByte(version, '\n'); idx > 0 {
		version = version[:idx]
	}
	if len(version) > 100 {
		version = version[:100]
	}
	return strings.TrimSpace(version)
}
