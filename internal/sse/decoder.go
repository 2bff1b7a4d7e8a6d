package sse

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

const (
	// DataPrefix starts every payload-carrying line.
	DataPrefix = "data: "

	// DoneSentinel is the payload that terminates a stream.
	DoneSentinel = "[DONE]"

	defaultReadSize = 4096
)

// LineBuffer reassembles newline-terminated lines from arbitrarily split
// chunks. The zero value is ready to use.
type LineBuffer struct {
	buf []byte
}

// Write appends chunk and returns every line completed by it, without the
// terminator. A trailing '\r' is stripped from each line.
func (b *LineBuffer) Write(chunk []byte) []string {
	b.buf = append(b.buf, chunk...)

	last := bytes.LastIndexByte(b.buf, '\n')
	if last < 0 {
		return nil
	}

	complete := string(b.buf[:last])
	rest := b.buf[last+1:]
	b.buf = append(b.buf[:0], rest...)

	lines := strings.Split(complete, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

// Pending returns the number of buffered bytes not yet terminated by a newline.
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}

// Reset drops any partial line.
func (b *LineBuffer) Reset() {
	b.buf = b.buf[:0]
}

// Event is one classified data line.
type Event struct {
	// Data is the payload after the "data: " prefix.
	Data string
	// Done is set when the payload is the [DONE] sentinel.
	Done bool
}

// ParseLine classifies a single line. ok is false for lines that carry no
// payload (blank keep-alives, comments, other fields).
func ParseLine(line string) (Event, bool) {
	if !strings.HasPrefix(line, DataPrefix) {
		return Event{}, false
	}
	data := line[len(DataPrefix):]
	return Event{Data: data, Done: data == DoneSentinel}, true
}

// Decoder yields data events from an event-stream body.
type Decoder struct {
	r        io.Reader
	lines    LineBuffer
	pending  []string
	readSize int
	err      error
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithReadSize sets how many bytes are requested per read. Small values are
// useful in tests to force chunk splits.
func WithReadSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.readSize = n
		}
	}
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{r: r, readSize: defaultReadSize}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Next returns the next data event. It returns io.EOF once the underlying
// reader is exhausted; any unterminated trailing line is discarded. Other
// read errors are returned as-is and are sticky.
func (d *Decoder) Next() (Event, error) {
	for {
		for len(d.pending) > 0 {
			line := d.pending[0]
			d.pending = d.pending[1:]
			if ev, ok := ParseLine(line); ok {
				return ev, nil
			}
		}

		if d.err != nil {
			return Event{}, d.err
		}

		buf := make([]byte, d.readSize)
		n, err := d.r.Read(buf)
		if n > 0 {
			d.pending = d.lines.Write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.lines.Reset()
				d.err = io.EOF
			} else {
				d.err = err
			}
		}
	}
}
