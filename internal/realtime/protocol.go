package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/syntrixbase/streamsub/internal/sse"
	"github.com/syntrixbase/streamsub/pkg/model"
)

// PublishResponse is returned by POST /publish.
type PublishResponse struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Clients   int    `json:"clients"`
}

// APIError is the body of every error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// newEvent turns a published message into a frame with a fresh ID.
func newEvent(msg model.Message) (sse.Event, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return sse.Event{}, err
	}
	return sse.Event{ID: uuid.New().String(), Data: string(data)}, nil
}

// heartbeatEvent is the payload sent to idle clients. It carries no ID so
// it never moves a client's resume position.
func heartbeatEvent(now time.Time) sse.Event {
	msg := model.Message{Type: model.TypeHeartbeat}
	msg.Stamp(now)
	data, _ := json.Marshal(msg) // Should not fail for a flat string map
	return sse.Event{Data: string(data)}
}
