package ytdlp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"strings"
	"sync"

	errpkg "github.com/veranemoloko/stream-assembler/internal/errors"
)

// OutputStream names the process stream a line was read from.
type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

// Command describes one process invocation. When Stdout is set the raw
// standard output is copied there; otherwise both streams are split into
// lines and handed to OnLine. A non-nil OnLine error stops the process.
type Command struct {
	Name   string
	Args   []string
	Stdout io.Writer
	OnLine func(stream OutputStream, line string) error
}

// Runner starts processes. Tests substitute a scripted implementation.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run starts c and waits for it. A binary that cannot be found or executed
// yields errpkg.ErrEngineUnavailable.
func (ExecRunner) Run(ctx context.Context, c Command) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)

	var stdoutPipe io.ReadCloser
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	} else {
		p, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("setup stdout pipe: %w", err)
		}
		stdoutPipe = p
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("setup stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		// an absolute Name skips the PATH lookup and fails here instead
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("%w: %s: %v", errpkg.ErrEngineUnavailable, c.Name, err)
		}
		return fmt.Errorf("start %s: %w", c.Name, err)
	}

	var (
		mu      sync.Mutex
		errTail strings.Builder
		lineErr error
		wg      sync.WaitGroup
	)

	read := func(stream OutputStream, r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 64*1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()

			mu.Lock()
			if stream == StreamStderr {
				appendLimited(&errTail, line)
			}
			stopped := lineErr != nil
			mu.Unlock()

			if stopped || c.OnLine == nil {
				continue
			}
			if err := c.OnLine(stream, line); err != nil {
				mu.Lock()
				if lineErr == nil {
					lineErr = err
				}
				mu.Unlock()
				cancel()
			}
		}
	}

	if stdoutPipe != nil {
		wg.Add(1)
		go read(StreamStdout, stdoutPipe)
	}
	wg.Add(1)
	go read(StreamStderr, stderrPipe)
	wg.Wait()

	waitErr := cmd.Wait()

	mu.Lock()
	defer mu.Unlock()
	if lineErr != nil {
		return lineErr
	}
	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errpkg.Canceled(ctxErr)
		}
		return fmt.Errorf("%s failed: %w: %s", c.Name, waitErr, strings.TrimSpace(errTail.String()))
	}
	return nil
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func appendLimited(b *strings.Builder, line string) {
	const maxKeep = 8192
	if b.Len() >= maxKeep {
		return
	}
	toWrite := line + "\n"
	if remain := maxKeep - b.Len(); len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}
