// Package stream implements SSE transport and the delta coalescers that
// translate a streamed upstream reply into the client's wire dialect.
package stream

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Event is a single Server-Sent Event with optional event name, data, and ID.
type Event struct {
	Event string
	Data  string
	ID    string
}

// Reader parses the SSE wire format (event:, data:, id: lines separated by
// blank lines) from an io.Reader.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a Reader. The scanner buffer is sized at 64KB initial /
// 10MB max to handle large SSE lines carrying tool arguments or base64 content.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	return &Reader{scanner: scanner}
}

// Next reads and returns the next complete event. An event is terminated by a
// blank line. Returns io.EOF when the stream ends. Comment lines (leading ":")
// are skipped.
func (r *Reader) Next() (*Event, error) {
	var evt Event
	hasData := false

	for r.scanner.Scan() {
		line := r.scanner.Text()

		// A blank line signals the end of an event.
		if line == "" {
			if hasData || evt.Event != "" || evt.ID != "" {
				return &evt, nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value := parseLine(line)
		switch field {
		case "event":
			evt.Event = value
		case "data":
			if hasData {
				evt.Data += "\n" + value
			} else {
				evt.Data = value
				hasData = true
			}
		case "id":
			evt.ID = value
		}
	}

	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading SSE stream: %w", err)
	}

	// An event accumulated before EOF is still delivered.
	if hasData || evt.Event != "" || evt.ID != "" {
		return &evt, nil
	}

	return nil, io.EOF
}

// parseLine splits an SSE line into field name and value. The space after the
// colon is optional per the SSE spec.
func parseLine(line string) (field, value string) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return line, ""
	}
	field = line[:idx]
	value = line[idx+1:]
	if strings.HasPrefix(value, " ") {
		value = value[1:]
	}
	return field, value
}

// Writer writes events to an http.ResponseWriter, flushing after each event
// so deltas reach the client without buffering.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter creates a Writer, detecting http.Flusher support.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, _ := w.(http.Flusher)
	return &Writer{w: w, flusher: flusher}
}

// WriteEvent writes one event and flushes. The event name and id lines are
// only written when non-empty; multi-line data is split into one data: line
// per line.
func (wr *Writer) WriteEvent(evt *Event) error {
	if evt.Event != "" {
		if _, err := fmt.Fprintf(wr.w, "event: %s\n", evt.Event); err != nil {
			return fmt.Errorf("writing SSE event type: %w", err)
		}
	}

	if evt.ID != "" {
		if _, err := fmt.Fprintf(wr.w, "id: %s\n", evt.ID); err != nil {
			return fmt.Errorf("writing SSE event id: %w", err)
		}
	}

	for _, dl := range strings.Split(evt.Data, "\n") {
		if _, err := fmt.Fprintf(wr.w, "data: %s\n", dl); err != nil {
			return fmt.Errorf("writing SSE data line: %w", err)
		}
	}

	// Blank line terminates the event.
	if _, err := fmt.Fprint(wr.w, "\n"); err != nil {
		return fmt.Errorf("writing SSE event terminator: %w", err)
	}

	wr.Flush()
	return nil
}

// Flush flushes the underlying ResponseWriter when it supports http.Flusher.
func (wr *Writer) Flush() {
	if wr.flusher != nil {
		wr.flusher.Flush()
	}
}
