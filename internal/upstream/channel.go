// Package upstream speaks the line protocol to the Local Controller over the
// controller's standard input and output.
package upstream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Line tags sent to the Local Controller.
const (
	TagRequest = "REQUEST"
	TagWritten = "WRITTEN"
	TagPing    = "PING"
)

// Answers read back for a REQUEST line.
const (
	Accept byte = '1'
	Reject byte = '0'
)

// ErrBadAnswer is returned by Ask when the Local Controller replies with
// something other than Accept or Reject.
var ErrBadAnswer = errors.New("unexpected answer from local controller")

// Channel serializes all traffic with the Local Controller. A REQUEST line
// and its one-byte answer are exchanged under a single lock acquisition, so
// round trips from different connections never interleave.
type Channel struct {
	r  *bufio.Reader
	w  io.Writer
	mu sync.Mutex
}

// NewChannel wraps the Local Controller's input (our stdin) and output
// (our stdout).
func NewChannel(r io.Reader, w io.Writer) *Channel {
	return &Channel{r: bufio.NewReader(r), w: w}
}

// Ask asks the Local Controller whether path may be used. It blocks until
// the answer arrives.
func (c *Channel) Ask(path string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.writeLine(TagRequest + " " + path); err != nil {
		return false, err
	}
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return false, fmt.Errorf("read answer for %s: %w", path, err)
		}
		switch b {
		case Accept:
			return true, nil
		case Reject:
			return false, nil
		case '\n', '\r':
			continue
		default:
			return false, fmt.Errorf("%w: %q", ErrBadAnswer, b)
		}
	}
}

// Written tells the Local Controller that path was modified on this host.
func (c *Channel) Written(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLine(TagWritten + " " + path)
}

// Ping writes a keep-alive line. An error means the upstream tunnel is gone.
func (c *Channel) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLine(TagPing)
}

// WriteLine writes s followed by a newline.
func (c *Channel) WriteLine(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLine(s)
}

// WriteLines writes several lines under one lock acquisition.
func (c *Channel) WriteLines(lines ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range lines {
		if err := c.writeLine(l); err != nil {
			return err
		}
	}
	return nil
}

// Printf writes a formatted line; a trailing newline is added.
func (c *Channel) Printf(format string, args ...any) error {
	return c.WriteLine(fmt.Sprintf(format, args...))
}

// ReadLine reads one line without its terminator. A final line without a
// newline is returned as-is; io.EOF is returned only when nothing was read.
func (c *Channel) ReadLine() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	line, err := c.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *Channel) writeLine(s string) error {
	if strings.ContainsAny(s, "\n") {
		return fmt.Errorf("line contains newline: %q", s)
	}
	if _, err := io.WriteString(c.w, s+"\n"); err != nil {
		return fmt.Errorf("write %q: %w", firstWord(s), err)
	}
	if f, ok := c.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}
	return nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}
