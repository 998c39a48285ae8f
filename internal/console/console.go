// Package console owns the operator's stdin. A single reader goroutine hands
// each line to the prompt that is waiting for it, or, when no prompt is
// pending, treats the line as a request to poll now.
package console

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/term"
)

// ErrInterrupted is returned when the operator presses Ctrl-C at a secret prompt.
var ErrInterrupted = errors.New("console: interrupted")

// Firer receives manual poll requests.
type Firer interface {
	Fire()
}

// Console implements session.Prompter over a reader and a writer.
type Console struct {
	in     io.Reader
	out    io.Writer
	fd     int
	isTerm bool
	logger *slog.Logger

	startOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	pending chan string
	firer   Firer

	outMu sync.Mutex
}

// New builds a Console. Secrets are read without echo when in is a terminal.
func New(in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Console{
		in:     in,
		out:    out,
		fd:     -1,
		logger: logger.With("component", "console"),
		done:   make(chan struct{}),
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		c.fd = int(f.Fd())
		c.isTerm = true
	}
	return c
}

// Listen routes unclaimed lines to f until ctx is done or input ends.
func (c *Console) Listen(ctx context.Context, f Firer) {
	c.mu.Lock()
	c.firer = f
	c.mu.Unlock()
	c.start()

	c.Printf("Press Enter to poll now...\n")

	select {
	case <-ctx.Done():
	case <-c.done:
		c.logger.Warn("stdin closed, manual triggering disabled")
	}

	c.mu.Lock()
	c.firer = nil
	c.mu.Unlock()
}

// ReadLine prints prompt and returns the next line of input.
func (c *Console) ReadLine(ctx context.Context, prompt string) (string, error) {
	c.Printf("%s", prompt)
	return c.next(ctx)
}

// ReadSecret prints prompt and reads a line without echo on a terminal.
func (c *Console) ReadSecret(ctx context.Context, prompt string) ([]byte, error) {
	c.Printf("%s", prompt)

	if c.isTerm {
		state, err := term.MakeRaw(c.fd)
		if err != nil {
			return nil, fmt.Errorf("disable terminal echo: %w", err)
		}
		defer func() {
			_ = term.Restore(c.fd, state)
			c.Printf("\r\n")
		}()
	}

	line, err := c.next(ctx)
	if err != nil {
		return nil, err
	}
	secret, ok := applyErase([]byte(line))
	if !ok {
		return nil, ErrInterrupted
	}
	return secret, nil
}

// Printf writes to the console output.
func (c *Console) Printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

// Done is closed once input reaches EOF.
func (c *Console) Done() <-chan struct{} {
	return c.done
}

func (c *Console) next(ctx context.Context) (string, error) {
	ch := make(chan string, 1)

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return "", io.EOF
	default:
	}
	c.pending = ch
	c.mu.Unlock()
	c.start()

	select {
	case line := <-ch:
		return line, nil
	case <-ctx.Done():
		c.mu.Lock()
		if c.pending == ch {
			c.pending = nil
		}
		c.mu.Unlock()
		return "", ctx.Err()
	case <-c.done:
		// The last line may have raced with EOF.
		select {
		case line := <-ch:
			return line, nil
		default:
		}
		return "", io.EOF
	}
}

func (c *Console) start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

func (c *Console) readLoop() {
	defer close(c.done)

	sc := bufio.NewScanner(c.in)
	sc.Split(lineSplitter())
	for sc.Scan() {
		c.dispatch(sc.Text())
	}
	if err := sc.Err(); err != nil {
		c.logger.Error("read console input", "error", err)
	}
}

func (c *Console) dispatch(line string) {
	c.mu.Lock()
	if ch := c.pending; ch != nil {
		c.pending = nil
		c.mu.Unlock()
		ch <- line
		return
	}
	f := c.firer
	c.mu.Unlock()

	if f != nil {
		c.logger.Info("manual poll requested from console")
		f.Fire()
	}
}

// lineSplitter returns a split func that ends a line at "\n", "\r" or
// "\r\n". Raw terminal mode delivers a bare "\r" for Enter, so a "\r" ends
// the line at once and a "\n" right after it is dropped.
func lineSplitter() bufio.SplitFunc {
	afterCR := false
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if atEOF && len(data) == 0 {
			return 0, nil, nil
		}
		if afterCR && data[0] == '\n' {
			afterCR = false
			return 1, nil, nil
		}
		afterCR = false
		if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
			afterCR = data[i] == '\r'
			return i + 1, data[:i], nil
		}
		if atEOF {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

// applyErase interprets backspace and DEL, which raw mode passes through
// verbatim. It reports false if the line contains Ctrl-C.
func applyErase(line []byte) ([]byte, bool) {
	out := make([]byte, 0, len(line))
	for _, b := range line {
		switch b {
		case 0x03:
			return nil, false
		case 0x08, 0x7f:
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, b)
		}
	}
	return out, true
}
