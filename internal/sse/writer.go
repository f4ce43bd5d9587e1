package sse

import (
	"fmt"
	"io"
	"strings"
)

var (
	// Readers accept CRLF, LF and a lone CR as line ends.
	lineEnds = strings.NewReplacer("\r\n", "\n", "\r", "\n")
	// Single-line fields cannot carry a line end at all.
	stripLineEnds = strings.NewReplacer("\r", "", "\n", "")
)

// WriteEvent encodes ev as an SSE frame terminated by a blank line.
// Data containing line breaks is split across multiple data lines; line
// breaks in ID and Type are dropped.
func WriteEvent(w io.Writer, ev Event) error {
	var b strings.Builder
	if id := stripLineEnds.Replace(ev.ID); id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	if typ := stripLineEnds.Replace(ev.Type); typ != "" {
		fmt.Fprintf(&b, "event: %s\n", typ)
	}
	if ev.Retry > 0 {
		fmt.Fprintf(&b, "retry: %d\n", ev.Retry.Milliseconds())
	}
	for _, line := range strings.Split(lineEnds.Replace(ev.Data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')

	_, err := io.WriteString(w, b.String())
	return err
}

// WriteComment writes text as comment lines followed by a blank line.
// Comments keep idle connections alive and are ignored by readers.
func WriteComment(w io.Writer, text string) error {
	var b strings.Builder
	for _, line := range strings.Split(lineEnds.Replace(text), "\n") {
		fmt.Fprintf(&b, ": %s\n", line)
	}
	b.WriteByte('\n')

	_, err := io.WriteString(w, b.String())
	return err
}
