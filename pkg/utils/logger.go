package utils

import (
	"bytes"
	"io"
	"sync"

	"github.com/fatih/color"
)

var colors = []color.Attribute{color.FgYellow, color.FgGreen, color.FgCyan, color.FgWhite, color.FgMagenta, color.FgBlue}
var index = -1

var l sync.Mutex

const MaxNameLength = 20

// ColorLogger is an io.Writer that prefixes every line with a colored job
// name. Jobs share the underlying writer, so complete lines are written
// under a package lock and never interleave.
type ColorLogger struct {
	name    string
	writer  io.Writer
	c       *color.Color
	pending []byte
}

func NewColorLogger(name string, writer io.Writer, newColor bool) *ColorLogger {
	l.Lock()
	defer l.Unlock()
	if newColor || index < 0 {
		index = (index + 1) % len(colors)
	}

	if len(name) > MaxNameLength {
		name = name[:MaxNameLength-3] + "..."
	}

	return &ColorLogger{
		name:   name,
		writer: writer,
		c:      color.New(colors[index]),
	}
}

func (c *ColorLogger) Write(p []byte) (int, error) {
	c.pending = append(c.pending, p...)
	for {
		i := bytes.IndexByte(c.pending, '\n')
		if i < 0 {
			break
		}
		if err := c.writeLine(c.pending[:i+1]); err != nil {
			return 0, err
		}
		c.pending = c.pending[i+1:]
	}
	return len(p), nil
}

// Flush writes a trailing partial line, if any.
func (c *ColorLogger) Flush() error {
	if len(c.pending) == 0 {
		return nil
	}
	line := append(c.pending, '\n')
	c.pending = nil
	return c.writeLine(line)
}

func (c *ColorLogger) writeLine(line []byte) error {
	l.Lock()
	defer l.Unlock()
	if _, err := c.c.Fprint(c.writer, c.name, " | "); err != nil {
		return err
	}
	_, err := c.writer.Write(line)
	return err
}
