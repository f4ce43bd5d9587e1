package sse

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	maxLineSize = 1 << 20
	bom         = "\uFEFF"
)

// Reader reads SSE frames one at a time from a stream.
type Reader struct {
	scanner *bufio.Scanner
	started bool

	eventType   string
	data        strings.Builder
	hasData     bool
	lastEventID string
	retry       time.Duration
}

// NewReader creates a streaming SSE reader.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	scanner.Split(scanLines)
	return &Reader{scanner: scanner}
}

// Next returns the next frame that carries data, or io.EOF when the stream
// ends. Frames with no data lines are consumed without being returned.
// A frame still pending when the stream ends is discarded.
func (r *Reader) Next() (Event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if !r.started {
			r.started = true
			line = strings.TrimPrefix(line, bom)
		}

		if line == "" {
			if ev, ok := r.dispatch(); ok {
				return ev, nil
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			// Comment
			continue
		}

		field, value := line, ""
		if i := strings.IndexByte(line, ':'); i >= 0 {
			field = line[:i]
			value = strings.TrimPrefix(line[i+1:], " ")
		}
		r.processField(field, value)
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// LastEventID returns the last event ID seen on the stream.
func (r *Reader) LastEventID() string {
	return r.lastEventID
}

func (r *Reader) processField(field, value string) {
	switch field {
	case "event":
		r.eventType = value
	case "data":
		if r.hasData {
			r.data.WriteByte('\n')
		}
		r.data.WriteString(value)
		r.hasData = true
	case "id":
		if !strings.ContainsRune(value, 0) {
			r.lastEventID = value
		}
	case "retry":
		if ms, err := strconv.ParseUint(value, 10, 32); err == nil {
			r.retry = time.Duration(ms) * time.Millisecond
		}
	default:
		// Unknown fields are ignored
	}
}

func (r *Reader) dispatch() (Event, bool) {
	defer func() {
		r.eventType = ""
		r.data.Reset()
		r.hasData = false
	}()

	if !r.hasData {
		return Event{}, false
	}
	return Event{
		ID:    r.lastEventID,
		Type:  r.eventType,
		Data:  r.data.String(),
		Retry: r.retry,
	}, true
}

// scanLines splits on "\r\n", "\n" or a lone "\r".
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\n' {
			return i + 1, data[:i], nil
		}
		// '\r', possibly followed by '\n'
		if i+1 < len(data) {
			if data[i+1] == '\n' {
				return i + 2, data[:i], nil
			}
			return i + 1, data[:i], nil
		}
		if atEOF {
			return i + 1, data[:i], nil
		}
		return 0, nil, nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
