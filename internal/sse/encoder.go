package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tjfontaine/chat-relay/internal/domain"
)

// Writer serializes outbound frames, flushing after every frame.
type Writer struct {
	w     io.Writer
	flush func() error
}

// NewWriter wraps w. Each frame is flushed as soon as it is written when w
// can flush. For an http.ResponseWriter a failed flush is reported, so a
// departed client is noticed on the next frame.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	switch f := w.(type) {
	case http.ResponseWriter:
		rc := http.NewResponseController(f)
		sw.flush = func() error {
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return err
			}
			return nil
		}
	case http.Flusher:
		sw.flush = func() error {
			f.Flush()
			return nil
		}
	}
	return sw
}

// WriteDelta writes one content fragment as a data frame.
func (w *Writer) WriteDelta(content string) error {
	return w.WriteEvent(domain.Delta{Content: content})
}

// WriteEvent writes v as a JSON data frame.
func (w *Writer) WriteEvent(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return w.writeFrame(string(data))
}

// WriteDone writes the terminal sentinel.
func (w *Writer) WriteDone() error {
	return w.writeFrame(DoneSentinel)
}

func (w *Writer) writeFrame(payload string) error {
	if _, err := fmt.Fprintf(w.w, "%s%s\n\n", DataPrefix, payload); err != nil {
		return err
	}
	if w.flush != nil {
		return w.flush()
	}
	return nil
}

// SetHeaders sets the response headers for an event stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
}
