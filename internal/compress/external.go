package compress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rowjay/lbdump/internal/util"
)

const zstdBinary = "zstd"

// ExitError reports an external compression process that exited with a
// non-zero status. The stream it produced must not be used.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func zstdArgs(opts Options, decompress bool) []string {
	args := []string{"-q", "-c"}
	if decompress {
		args = append(args, "-d")
	} else if opts.Level > 0 {
		args = append(args, "-"+strconv.Itoa(opts.Level))
	}
	if opts.Threads > 0 {
		args = append(args, "-T"+strconv.Itoa(opts.Threads))
	}
	return args
}

func waitProcess(cmd *exec.Cmd, stderr *bytes.Buffer) error {
	err := cmd.Wait()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{
			Command: strings.Join(cmd.Args, " "),
			Code:    exitErr.ExitCode(),
			Stderr:  strings.TrimSpace(stderr.String()),
		}
	}
	return err
}

type externalWriter struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *bytes.Buffer
	waited  bool
	waitErr error
}

func newExternalWriter(ctx context.Context, w io.Writer, opts Options) (*externalWriter, error) {
	if err := util.RequireBinary(zstdBinary); err != nil {
		return nil, err
	}
	cmd := util.Command(ctx, zstdBinary, zstdArgs(opts, false), nil)
	stderr := &bytes.Buffer{}
	cmd.Stdout = w
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", zstdBinary, err)
	}
	return &externalWriter{cmd: cmd, stdin: stdin, stderr: stderr}, nil
}

// Write feeds the process. When the process has gone away the write fails
// with a broken pipe; the exit status is reported instead.
func (e *externalWriter) Write(p []byte) (int, error) {
	n, err := e.stdin.Write(p)
	if err != nil {
		_ = e.stdin.Close()
		if werr := e.wait(); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (e *externalWriter) wait() error {
	if !e.waited {
		e.waited = true
		e.waitErr = waitProcess(e.cmd, e.stderr)
	}
	return e.waitErr
}

// Close ends the input and waits for the process. A non-zero exit is
// returned as *ExitError.
func (e *externalWriter) Close() error {
	closeErr := e.stdin.Close()
	if err := e.wait(); err != nil {
		return err
	}
	return closeErr
}

type externalReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
}

func newExternalReader(ctx context.Context, r io.Reader, opts Options) (*externalReader, error) {
	if err := util.RequireBinary(zstdBinary); err != nil {
		return nil, err
	}
	cmd := util.Command(ctx, zstdBinary, zstdArgs(opts, true), nil)
	stderr := &bytes.Buffer{}
	cmd.Stdin = r
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", zstdBinary, err)
	}
	return &externalReader{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

func (e *externalReader) Read(p []byte) (int, error) {
	return e.stdout.Read(p)
}

func (e *externalReader) Close() error {
	// Wait closes the pipe, so drain it first.
	_, _ = io.Copy(io.Discard, e.stdout)
	return waitProcess(e.cmd, e.stderr)
}
