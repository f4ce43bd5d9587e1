package sse

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errorWriter struct{}

func (errorWriter) Write([]byte) (int, error) { return 0, assert.AnError }

func TestWriteEvent(t *testing.T) {
	var b strings.Builder
	err := WriteEvent(&b, Event{ID: "3", Type: "update", Data: "line1\nline2", Retry: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "id: 3\nevent: update\nretry: 1000\ndata: line1\ndata: line2\n\n", b.String())
}

func TestWriteEvent_RoundTrip(t *testing.T) {
	var b strings.Builder
	require.NoError(t, WriteComment(&b, "connected"))
	require.NoError(t, WriteEvent(&b, Event{ID: "1", Data: `{"type":"log"}`}))
	require.NoError(t, WriteEvent(&b, Event{Data: "a\n\nb"}))

	events := readAll(t, b.String())
	require.Len(t, events, 2)
	assert.Equal(t, `{"type":"log"}`, events[0].Data)
	assert.Equal(t, "1", events[0].ID)
	assert.Equal(t, "a\n\nb", events[1].Data)
}

func TestWriteEvent_LineBreaks(t *testing.T) {
	var b strings.Builder
	require.NoError(t, WriteEvent(&b, Event{ID: "4\r\n", Type: "up\ndate", Data: "a\rb\r\nc"}))
	assert.Equal(t, "id: 4\nevent: update\ndata: a\ndata: b\ndata: c\n\n", b.String())

	require.NoError(t, WriteComment(&b, "one\rtwo"))
	require.NoError(t, WriteEvent(&b, Event{Data: "x\ry"}))

	events := readAll(t, b.String())
	require.Len(t, events, 2)
	assert.Equal(t, "4", events[0].ID)
	assert.Equal(t, "update", events[0].Type)
	assert.Equal(t, "a\nb\nc", events[0].Data)
	assert.Equal(t, "x\ny", events[1].Data)
}

func TestWrite_Errors(t *testing.T) {
	assert.Error(t, WriteEvent(errorWriter{}, Event{Data: "x"}))
	assert.Error(t, WriteComment(errorWriter{}, "heartbeat"))
}
