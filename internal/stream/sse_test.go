package stream

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReaderSingleEvent(t *testing.T) {
	r := NewReader(strings.NewReader("data: hello\n\n"))
	evt, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if evt.Data != "hello" {
		t.Errorf("Data: got %q, want %q", evt.Data, "hello")
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after last event, got %v", err)
	}
}

func TestReaderNamedEvent(t *testing.T) {
	input := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n"
	r := NewReader(strings.NewReader(input))
	evt, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if evt.Event != "message_start" {
		t.Errorf("Event: got %q, want %q", evt.Event, "message_start")
	}
	if evt.Data != `{"type":"message_start"}` {
		t.Errorf("Data: got %q", evt.Data)
	}
}

func TestReaderMultiLineData(t *testing.T) {
	input := "data: line1\ndata: line2\n\n"
	r := NewReader(strings.NewReader(input))
	evt, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if evt.Data != "line1\nline2" {
		t.Errorf("Data: got %q, want %q", evt.Data, "line1\nline2")
	}
}

func TestReaderSkipsComments(t *testing.T) {
	input := ": keep-alive\n\ndata: real\n\n"
	r := NewReader(strings.NewReader(input))
	evt, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if evt.Data != "real" {
		t.Errorf("Data: got %q, want %q", evt.Data, "real")
	}
}

func TestReaderEventBeforeEOF(t *testing.T) {
	// No trailing blank line; the accumulated event is still delivered.
	r := NewReader(strings.NewReader("data: tail"))
	evt, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if evt.Data != "tail" {
		t.Errorf("Data: got %q, want %q", evt.Data, "tail")
	}
}

func TestReaderNoLeadingSpaceRequired(t *testing.T) {
	r := NewReader(strings.NewReader("data:compact\n\n"))
	evt, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if evt.Data != "compact" {
		t.Errorf("Data: got %q, want %q", evt.Data, "compact")
	}
}

type flushRecorder struct {
	*httptest.ResponseRecorder
	flushes int
}

func (f *flushRecorder) Flush() { f.flushes++ }

func TestWriterRoundTrip(t *testing.T) {
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	w := NewWriter(rec)

	if err := w.WriteEvent(&Event{Event: "response.created", Data: `{"a":1}`}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	if err := w.WriteEvent(&Event{Data: "plain"}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}

	want := "event: response.created\ndata: {\"a\":1}\n\ndata: plain\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("wire output:\ngot  %q\nwant %q", got, want)
	}
	if rec.flushes != 2 {
		t.Errorf("flushes: got %d, want 2", rec.flushes)
	}

	// What the writer emits, the reader must parse back.
	r := NewReader(strings.NewReader(rec.Body.String()))
	evt, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if evt.Event != "response.created" || evt.Data != `{"a":1}` {
		t.Errorf("round trip mismatch: %+v", evt)
	}
}

func TestWriterMultiLineData(t *testing.T) {
	rec := &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
	w := NewWriter(rec)
	if err := w.WriteEvent(&Event{Data: "a\nb"}); err != nil {
		t.Fatalf("WriteEvent: %v", err)
	}
	want := "data: a\ndata: b\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("wire output: got %q, want %q", got, want)
	}
}
