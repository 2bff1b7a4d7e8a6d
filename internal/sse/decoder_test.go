package sse

import (
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"
)

const sampleStream = ": keep-alive\n\n" +
	"data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"Héllo \"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"wörld 👋\"}}]}\n\n" +
	"event: ping\n" +
	"data: [DONE]\n\n"

func collect(t *testing.T, d *Decoder) []Event {
	t.Helper()
	var events []Event
	for {
		ev, err := d.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		events = append(events, ev)
	}
}

func TestDecoder_ChunkBoundaryInvariant(t *testing.T) {
	want := collect(t, NewDecoder(strings.NewReader(sampleStream)))
	if len(want) != 4 {
		t.Fatalf("whole-buffer decode produced %d events, want 4", len(want))
	}
	if !want[3].Done {
		t.Errorf("last event Done = false, want true")
	}

	for size := 1; size <= len(sampleStream); size++ {
		got := collect(t, NewDecoder(strings.NewReader(sampleStream), WithReadSize(size)))
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("read size %d: got %+v, want %+v", size, got, want)
		}
	}
}

func TestDecoder_OneByteReader(t *testing.T) {
	want := collect(t, NewDecoder(strings.NewReader(sampleStream)))
	got := collect(t, NewDecoder(iotest.OneByteReader(strings.NewReader(sampleStream))))
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDecoder_DropsUnterminatedTrailingLine(t *testing.T) {
	input := "data: {\"a\":1}\n\ndata: {\"b\":2}"
	got := collect(t, NewDecoder(strings.NewReader(input)))
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1 (trailing line must be dropped)", len(got))
	}
	if got[0].Data != `{"a":1}` {
		t.Errorf("Data = %q", got[0].Data)
	}
}

func TestDecoder_CRLF(t *testing.T) {
	input := "data: one\r\n\r\ndata: [DONE]\r\n\r\n"
	got := collect(t, NewDecoder(strings.NewReader(input)))
	want := []Event{{Data: "one"}, {Data: DoneSentinel, Done: true}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDecoder_ReadErrorIsSticky(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("data: a\n\n"), iotest.ErrReader(boom))
	d := NewDecoder(r)

	ev, err := d.Next()
	if err != nil || ev.Data != "a" {
		t.Fatalf("first Next() = %+v, %v", ev, err)
	}
	for i := 0; i < 2; i++ {
		if _, err := d.Next(); !errors.Is(err, boom) {
			t.Fatalf("Next() error = %v, want %v", err, boom)
		}
	}
}

func TestLineBuffer_RetainsPartial(t *testing.T) {
	var b LineBuffer

	if lines := b.Write([]byte("data: par")); lines != nil {
		t.Fatalf("Write() = %q, want nil", lines)
	}
	if b.Pending() != len("data: par") {
		t.Errorf("Pending() = %d", b.Pending())
	}

	lines := b.Write([]byte("tial\ndata: next\nda"))
	want := []string{"data: partial", "data: next"}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("Write() = %q, want %q", lines, want)
	}
	if b.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2", b.Pending())
	}
}

func TestParseLine(t *testing.T) {
	tests := []struct {
		line   string
		wantOK bool
		want   Event
	}{
		{"data: hello", true, Event{Data: "hello"}},
		{"data: [DONE]", true, Event{Data: "[DONE]", Done: true}},
		{"data:nospace", false, Event{}},
		{"", false, Event{}},
		{": comment", false, Event{}},
		{"event: message", false, Event{}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := ParseLine(tt.line)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseLine(%q) = %+v, %v; want %+v, %v", tt.line, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
