package repl

import (
	"bytes"
	"io"
	"os"
	"sync"
)

const truncatedMarker = "\n... (output truncated)"

// Output holds the stdout and stderr sinks that an environment's print
// functions write to. The sinks can be swapped for the duration of a call
// with Capture.
type Output struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

// NewOutput creates an Output writing to the given sinks. Nil sinks default
// to the process streams.
func NewOutput(stdout, stderr io.Writer) *Output {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &Output{stdout: stdout, stderr: stderr}
}

// Stdout returns a writer that always targets the current stdout sink.
func (o *Output) Stdout() io.Writer { return stream{o: o} }

// Stderr returns a writer that always targets the current stderr sink.
func (o *Output) Stderr() io.Writer { return stream{o: o, isErr: true} }

type stream struct {
	o     *Output
	isErr bool
}

func (s stream) Write(p []byte) (int, error) {
	s.o.mu.Lock()
	w := s.o.stdout
	if s.isErr {
		w = s.o.stderr
	}
	s.o.mu.Unlock()
	return w.Write(p)
}

// Capture is an active redirection of an Output into buffers.
type Capture struct {
	out      *Output
	prevOut  io.Writer
	prevErr  io.Writer
	stdout   *limitedBuffer
	stderr   *limitedBuffer
	released bool
}

// Capture redirects both streams into fresh buffers until Release. limit
// caps each buffer in bytes (zero means unlimited). Non-nil tee writers
// additionally receive the text as it is written.
func (o *Output) Capture(limit int, teeOut, teeErr io.Writer) *Capture {
	c := &Capture{
		out:    o,
		stdout: &limitedBuffer{limit: limit},
		stderr: &limitedBuffer{limit: limit},
	}
	o.mu.Lock()
	c.prevOut, c.prevErr = o.stdout, o.stderr
	o.stdout = teed(c.stdout, teeOut)
	o.stderr = teed(c.stderr, teeErr)
	o.mu.Unlock()
	return c
}

// Release restores the previous sinks and returns what was captured.
// Calling Release more than once returns the same text.
func (c *Capture) Release() (stdout, stderr string) {
	if !c.released {
		c.out.mu.Lock()
		c.out.stdout, c.out.stderr = c.prevOut, c.prevErr
		c.out.mu.Unlock()
		c.released = true
	}
	return c.stdout.String(), c.stderr.String()
}

func teed(buf io.Writer, tee io.Writer) io.Writer {
	if tee == nil {
		return buf
	}
	return io.MultiWriter(buf, tee)
}

// limitedBuffer drops writes past limit and remembers that it did.
type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 {
		room := b.limit - b.buf.Len()
		if room <= 0 {
			b.truncated = true
			return len(p), nil
		}
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
			return len(p), nil
		}
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + truncatedMarker
	}
	return b.buf.String()
}
