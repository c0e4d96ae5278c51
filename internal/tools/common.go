package tools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	// DefaultMaxOutput bounds how much stdout a single run retains.
	DefaultMaxOutput = 4 << 20
	// DefaultKillGrace is the delay between SIGTERM and SIGKILL.
	DefaultKillGrace = 2 * time.Second

	maxStderr      = 64 << 10
	stderrExcerpt  = 512
	scanBufInitial = 256 * 1024
	scanBufMax     = 1024 * 1024
)

// ToolSpec defines how to invoke an external tool.
type ToolSpec struct {
	Name      string
	Path      string
	Args      []string
	Timeout   time.Duration
	MaxOutput int
	KillGrace time.Duration
}

// RunResult captures the outcome of a tool execution.
type RunResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
	Duration  time.Duration
	TimedOut  bool
	Cancelled bool
	Err       error
}

// OutputLine represents a single line of real-time output.
type OutputLine struct {
	Timestamp time.Time `json:"timestamp"`
	Tool      string    `json:"tool,omitempty"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	Done      bool      `json:"done,omitempty"`
}

// Success reports whether the process ran to completion with exit code 0.
func (r *RunResult) Success() bool {
	return r.Err == nil && !r.TimedOut && !r.Cancelled && r.ExitCode == 0
}

// ErrorMessage renders the failure the way results record it: "timeout"
// for deadlines, otherwise the head of stderr or the exit status.
func (r *RunResult) ErrorMessage() string {
	switch {
	case r.Success():
		return ""
	case r.TimedOut:
		return "timeout"
	case r.Cancelled:
		return "cancelled"
	}

	if stderr := strings.TrimSpace(r.Stderr); stderr != "" {
		if len(stderr) > stderrExcerpt {
			stderr = stderr[:stderrExcerpt]
		}
		return stderr
	}

	var exitErr *exec.ExitError
	if errors.As(r.Err, &exitErr) || r.ExitCode > 0 {
		return fmt.Sprintf("exit status %d", r.ExitCode)
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return fmt.Sprintf("exit status %d", r.ExitCode)
}

// boundedBuffer keeps the first max bytes written to it.
type boundedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *boundedBuffer) writeLine(line string) {
	if b.truncated {
		return
	}
	if b.buf.Len()+len(line)+1 > b.max {
		cut := max(0, min(len(line), b.max-b.buf.Len()))
		for cut > 0 && cut < len(line) && !utf8.RuneStart(line[cut]) {
			cut--
		}
		b.buf.WriteString(line[:cut])
		b.truncated = true
		return
	}
	b.buf.WriteString(line)
	b.buf.WriteByte('\n')
}

// Run executes a tool and sends each line of output to the channel, which
// is closed when the tool exits. A nil channel disables streaming. The
// process runs in its own group so a timeout or cancellation terminates
// every child it spawned.
func Run(ctx context.Context, spec ToolSpec, output chan<- OutputLine) *RunResult {
	if output != nil {
		defer close(output)
	}

	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	if spec.MaxOutput <= 0 {
		spec.MaxOutput = DefaultMaxOutput
	}
	if spec.KillGrace <= 0 {
		spec.KillGrace = DefaultKillGrace
	}

	start := time.Now()

	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	stopKill := configureProcess(cmd, spec.KillGrace)
	defer stopKill()

	// Pipes are owned here, not by exec.Cmd: a descendant that left the
	// process group may hold the write ends after the leader is gone.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return &RunResult{ExitCode: -1, Err: fmt.Errorf("stdout pipe: %w", err), Duration: time.Since(start)}
	}
	defer stdoutR.Close()
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutW.Close()
		return &RunResult{ExitCode: -1, Err: fmt.Errorf("stderr pipe: %w", err), Duration: time.Since(start)}
	}
	defer stderrR.Close()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		return &RunResult{ExitCode: -1, Err: fmt.Errorf("start: %w", err), Duration: time.Since(start)}
	}

	stdoutBuf := &boundedBuffer{max: spec.MaxOutput}
	stderrBuf := &boundedBuffer{max: maxStderr}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		readLines(stdoutR, "stdout", spec.Name, stdoutBuf, output)
	}()
	go func() {
		defer wg.Done()
		readLines(stderrR, "stderr", spec.Name, stderrBuf, output)
	}()
	readersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(readersDone)
	}()

	waitErr := cmd.Wait()

	// Drain what is left, for at most the kill grace.
	drain := time.NewTimer(spec.KillGrace)
	select {
	case <-readersDone:
	case <-drain.C:
		stdoutR.Close()
		stderrR.Close()
		<-readersDone
	}
	drain.Stop()

	res := &RunResult{}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		res.Err = waitErr
	}

	switch ctx.Err() {
	case context.DeadlineExceeded:
		res.TimedOut = true
	case context.Canceled:
		res.Cancelled = true
	}

	res.Stdout = stdoutBuf.buf.String()
	res.Stderr = stderrBuf.buf.String()
	res.Truncated = stdoutBuf.truncated
	res.Duration = time.Since(start)
	return res
}

func readLines(r io.Reader, stream, tool string, buf *boundedBuffer, output chan<- OutputLine) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scanBufInitial), scanBufMax)
	for scanner.Scan() {
		line := scanner.Text()
		buf.writeLine(line)
		if output != nil {
			output <- OutputLine{Timestamp: time.Now(), Tool: tool, Stream: stream, Line: line}
		}
	}
	err := scanner.Err()
	if err == nil || errors.Is(err, os.ErrClosed) {
		return
	}
	// Line longer than the scanner buffer. Keep the process from blocking
	// on a full pipe.
	buf.truncated = true
	_, _ = io.Copy(io.Discard, r)
}
