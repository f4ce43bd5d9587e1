package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// TypeHeartbeat is the reserved message type used for liveness pings.
// Heartbeats are never retained.
const TypeHeartbeat = "heartbeat"

// TimestampLayout is the format used when stamping messages at receipt.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

const (
	fieldType      = "type"
	fieldTimestamp = "timestamp"
)

// Kind discriminates decoded messages.
type Kind int

const (
	KindEvent Kind = iota
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "event"
	}
}

// Message is a structured event received from a stream. Type is always a
// non-empty string; Timestamp is optional on the wire and filled in by Stamp.
// Fields holds every field of the payload, including type and timestamp.
type Message struct {
	Type      string
	Timestamp string
	Fields    map[string]interface{}
}

// Decode parses a frame payload into a Message.
// The payload must be a JSON object with a non-empty string "type".
func Decode(payload []byte) (Message, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if fields == nil {
		return Message{}, fmt.Errorf("%w: not an object", ErrInvalidPayload)
	}

	typ, ok := fields[fieldType].(string)
	if !ok || typ == "" {
		return Message{}, ErrMissingType
	}

	return Message{
		Type:      typ,
		Timestamp: formatTimestamp(fields[fieldTimestamp]),
		Fields:    fields,
	}, nil
}

// Kind reports whether the message is a heartbeat or a regular event.
func (m Message) Kind() Kind {
	if m.Type == TypeHeartbeat {
		return KindHeartbeat
	}
	return KindEvent
}

// HasTimestamp reports whether the message carries a non-empty timestamp.
func (m Message) HasTimestamp() bool {
	return m.Timestamp != ""
}

// Stamp sets the timestamp to now if the message has none.
// A message that already carries a timestamp is left untouched.
func (m *Message) Stamp(now time.Time) {
	if m.HasTimestamp() {
		return
	}
	m.Timestamp = now.UTC().Format(TimestampLayout)
	if m.Fields == nil {
		m.Fields = make(map[string]interface{})
	}
	m.Fields[fieldTimestamp] = m.Timestamp
}

// Get returns a payload field.
func (m Message) Get(key string) (interface{}, bool) {
	v, ok := m.Fields[key]
	return v, ok
}

// Clone returns a copy whose top-level field map can be modified independently.
func (m Message) Clone() Message {
	fields := make(map[string]interface{}, len(m.Fields))
	for k, v := range m.Fields {
		fields[k] = v
	}
	m.Fields = fields
	return m
}

// MarshalJSON encodes the message as the flat JSON object it was decoded from.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(m.Fields)+2)
	for k, v := range m.Fields {
		out[k] = v
	}
	out[fieldType] = m.Type
	if m.Timestamp != "" {
		if _, ok := out[fieldTimestamp]; !ok {
			out[fieldTimestamp] = m.Timestamp
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a message with the same rules as Decode.
func (m *Message) UnmarshalJSON(data []byte) error {
	msg, err := Decode(data)
	if err != nil {
		return err
	}
	*m = msg
	return nil
}

// formatTimestamp renders a wire timestamp of any JSON type. Only a missing,
// null or empty-string value counts as no timestamp.
func formatTimestamp(v interface{}) string {
	switch ts := v.(type) {
	case nil:
		return ""
	case string:
		return ts
	case float64:
		return strconv.FormatFloat(ts, 'f', -1, 64)
	default:
		b, err := json.Marshal(ts)
		if err != nil {
			return fmt.Sprint(ts)
		}
		return string(b)
	}
}
