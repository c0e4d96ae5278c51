//go:build unix

package tools

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript creates an executable shell script standing in for a tool.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func collect(ch <-chan OutputLine) <-chan []OutputLine {
	done := make(chan []OutputLine, 1)
	go func() {
		var lines []OutputLine
		for l := range ch {
			lines = append(lines, l)
		}
		done <- lines
	}()
	return done
}

func TestRunStreamsOutput(t *testing.T) {
	t.Parallel()

	path := writeScript(t, `echo "80/tcp open http"; echo "warn" >&2; echo "443/tcp open https"`)
	ch := make(chan OutputLine, 16)
	lines := collect(ch)

	res := Run(context.Background(), ToolSpec{Name: "fake", Path: path, Timeout: 10 * time.Second}, ch)
	got := <-lines

	require.True(t, res.Success(), res.ErrorMessage())
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "80/tcp open http\n443/tcp open https\n", res.Stdout)
	assert.Equal(t, "warn\n", res.Stderr)
	assert.Len(t, got, 3)
	assert.Equal(t, "fake", got[0].Tool)
	assert.Empty(t, res.ErrorMessage())
}

func TestRunNonZeroExit(t *testing.T) {
	t.Parallel()

	path := writeScript(t, `echo "bad flag" >&2; exit 3`)
	res := Run(context.Background(), ToolSpec{Path: path}, nil)

	assert.False(t, res.Success())
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "bad flag", res.ErrorMessage())

	path = writeScript(t, `exit 2`)
	res = Run(context.Background(), ToolSpec{Path: path}, nil)
	assert.Equal(t, "exit status 2", res.ErrorMessage())
}

func TestRunStderrExcerpt(t *testing.T) {
	t.Parallel()

	path := writeScript(t, `i=0; while [ $i -lt 100 ]; do echo "0123456789" >&2; i=$((i+1)); done; exit 1`)
	res := Run(context.Background(), ToolSpec{Path: path}, nil)

	assert.Len(t, res.ErrorMessage(), 512)
}

func TestRunTimeoutKillsProcessGroup(t *testing.T) {
	t.Parallel()

	path := writeScript(t, `sleep 2 & wait`)
	start := time.Now()
	res := Run(context.Background(), ToolSpec{Path: path, Timeout: time.Second, KillGrace: 200 * time.Millisecond}, nil)

	assert.True(t, res.TimedOut)
	assert.False(t, res.Success())
	assert.Equal(t, "timeout", res.ErrorMessage())
	assert.Less(t, time.Since(start), 1900*time.Millisecond)
}

func TestRunTimeoutWithEscapedDescendant(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not installed")
	}

	// The setsid child leaves the process group and keeps stdout open.
	path := writeScript(t, `setsid sleep 6 &
echo "Starting Nmap"
sleep 30`)
	start := time.Now()
	res := Run(context.Background(), ToolSpec{Path: path, Timeout: 500 * time.Millisecond, KillGrace: 200 * time.Millisecond}, nil)

	assert.True(t, res.TimedOut)
	assert.Equal(t, "timeout", res.ErrorMessage())
	assert.Contains(t, res.Stdout, "Starting Nmap")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunLeaderExitsWithDetachedChild(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not installed")
	}

	path := writeScript(t, `setsid sleep 6 &
echo "done"`)
	start := time.Now()
	res := Run(context.Background(), ToolSpec{Path: path, Timeout: 10 * time.Second, KillGrace: 200 * time.Millisecond}, nil)

	require.True(t, res.Success(), res.ErrorMessage())
	assert.Equal(t, "done\n", res.Stdout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunCancelled(t *testing.T) {
	t.Parallel()

	path := writeScript(t, `sleep 5`)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := Run(ctx, ToolSpec{Path: path, KillGrace: 100 * time.Millisecond}, nil)
	assert.True(t, res.Cancelled)
	assert.False(t, res.TimedOut)
	assert.Equal(t, "cancelled", res.ErrorMessage())
}

func TestRunTruncatesOutput(t *testing.T) {
	t.Parallel()

	path := writeScript(t, `i=0; while [ $i -lt 50 ]; do echo "line-$i"; i=$((i+1)); done`)
	res := Run(context.Background(), ToolSpec{Path: path, MaxOutput: 64}, nil)

	require.True(t, res.Success())
	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, len(res.Stdout), 64)
	assert.True(t, strings.HasPrefix(res.Stdout, "line-0\n"))
}

func TestRunMissingBinary(t *testing.T) {
	t.Parallel()

	res := Run(context.Background(), ToolSpec{Path: filepath.Join(t.TempDir(), "missing")}, nil)
	assert.False(t, res.Success())
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.ErrorMessage(), "start")
}

func TestResolveAndDetect(t *testing.T) {
	t.Parallel()

	path := writeScript(t, `echo "fake-tool 1.2.3"; echo "extra"`)

	got, err := Resolve(path, "fake-tool")
	require.NoError(t, err)
	assert.Equal(t, path, got)

	notExec := filepath.Join(t.TempDir(), "plain")
	require.NoError(t, os.WriteFile(notExec, []byte("x"), 0o644))
	_, err = Resolve(notExec, "plain")
	assert.ErrorIs(t, err, ErrNotAvailable)

	_, err = Resolve("", "definitely-not-a-real-binary-aegis")
	assert.ErrorIs(t, err, ErrNotAvailable)

	_, err = Resolve(t.TempDir(), "dir")
	assert.ErrorIs(t, err, ErrNotAvailable)

	statuses := Detect(context.Background(), []Binary{
		{Name: "fake", Binary: "fake-tool", Configured: path, VersionArg: "--version"},
		{Name: "missing", Binary: "definitely-not-a-real-binary-aegis"},
	})
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Installed)
	assert.Equal(t, "fake-tool 1.2.3", statuses[0].Version)
	assert.False(t, statuses[1].Installed)
	assert.NotEmpty(t, statuses[1].Error)
}
