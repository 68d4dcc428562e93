// Package shell runs external commands without a shell, with captured
// output, a hard timeout, and a transcript log of every invocation.
package shell

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Command describes one external invocation. Args are discrete tokens;
// nothing is ever re-split by a shell.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Stdin io.Reader
	// OnStdoutLine, when set, receives each stdout line as it arrives
	// instead of having stdout buffered into the Result.
	OnStdoutLine func(string)
}

type Result struct {
	Stdout []byte
	Stderr []byte
	Code   int
}

var ErrTimeout = errors.New("command timed out")

var logger = zerolog.Nop()

// SetLogger installs the transcript logger. Safe to call once at startup.
func SetLogger(l zerolog.Logger) { logger = l }

// execute is a test seam: tests install a recorder to assert on command
// order without running anything.
var execute = runLocal

// SetExecutor replaces the process executor and returns a restore func.
func SetExecutor(fn func(context.Context, Command) (Result, error)) func() {
	prev := execute
	execute = fn
	return func() { execute = prev }
}

// Run executes name with args and returns the captured result. A non-zero
// exit is returned as an error alongside the Result.
func Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	return dispatch(ctx, timeout, Command{Name: name, Args: args})
}

// RunStdin is Run with stdin fed from r. Used for passphrase-gated pool
// creation; stdin contents are never logged.
func RunStdin(ctx context.Context, timeout time.Duration, r io.Reader, name string, args ...string) (Result, error) {
	return dispatch(ctx, timeout, Command{Name: name, Args: args, Stdin: r})
}

// RunStream is Run with stdout delivered line by line to onLine.
func RunStream(ctx context.Context, timeout time.Duration, onLine func(string), name string, args ...string) (Result, error) {
	return dispatch(ctx, timeout, Command{Name: name, Args: args, OnStdoutLine: onLine})
}

func dispatch(ctx context.Context, timeout time.Duration, c Command) (Result, error) {
	start := time.Now()
	cctx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := execute(cctx, c)
	ev := logger.Info()
	if err != nil {
		ev = logger.Error().Err(err).Str("stderr", tail(res.Stderr, 512))
	}
	ev.Str("cmd", c.Name).
		Str("args", strings.Join(c.Args, " ")).
		Bool("stdin", c.Stdin != nil).
		Int("code", res.Code).
		Dur("duration", time.Since(start)).
		Msg("exec")
	if cctx.Err() == context.DeadlineExceeded {
		return res, ErrTimeout
	}
	return res, err
}

func runLocal(ctx context.Context, c Command) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = []string{"PATH=/usr/sbin:/usr/bin:/sbin:/bin", "LANG=C", "LC_ALL=C"}
	cmd.Stdin = c.Stdin

	var outBuf, errBuf bytes.Buffer
	cmd.Stderr = &errBuf

	if c.OnStdoutLine != nil {
		pipe, err := cmd.StdoutPipe()
		if err != nil {
			return Result{Code: -1}, err
		}
		if err := cmd.Start(); err != nil {
			return Result{Code: -1}, err
		}
		sc := bufio.NewScanner(pipe)
		// rsync progress lines are \r-terminated
		sc.Split(scanLinesCR)
		for sc.Scan() {
			c.OnStdoutLine(sc.Text())
		}
		err = cmd.Wait()
		return Result{Stderr: errBuf.Bytes(), Code: exitCode(err)}, err
	}

	cmd.Stdout = &outBuf
	err := cmd.Run()
	return Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes(), Code: exitCode(err)}, err
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// scanLinesCR splits on \n or \r so carriage-return progress updates are
// seen as individual lines.
func scanLinesCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
