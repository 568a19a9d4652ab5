// Package stream consumes the backend's server-sent event streams and turns bursty
// token delivery into bounded-frequency content snapshots.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/avandelay-labs/graphrag-webui/internal/models"
)

// EventType discriminates the payloads carried by a chat response stream.
type EventType string

const (
	// EventTypeMetadata carries session identity and, optionally, early sources and a
	// reasoning summary.
	EventTypeMetadata EventType = "metadata"
	// EventTypeContent carries a delta fragment of the assistant's answer. This is the
	// only event type expected to recur many times per stream.
	EventTypeContent EventType = "content"
	// EventTypeReasoning carries an intermediate reasoning summary, distinct from the
	// final answer text.
	EventTypeReasoning EventType = "reasoning"
	// EventTypeSources carries the retrieved source documents.
	EventTypeSources EventType = "sources"
	// EventTypeDone terminates a stream successfully. Its payload may carry final
	// aggregate fields which take precedence over previously received metadata.
	EventTypeDone EventType = "done"
	// EventTypeError terminates a stream with a server-reported failure.
	EventTypeError EventType = "error"
)

// doneSentinel is a legacy completion marker some backends emit as a bare payload. It
// is consumed and ignored, never forwarded.
const doneSentinel = "[DONE]"

// Event is a single decoded stream event. Only the fields relevant to its Type are
// populated.
type Event struct {
	Type EventType

	// Delta is the answer fragment of a content event.
	Delta string
	// Reasoning is the summary text of a reasoning event.
	Reasoning string
	// Sources is filled for sources events and for metadata events that embed a
	// sources array.
	Sources []models.Source
	// Metadata holds the full payload of metadata and done events.
	Metadata models.Metadata
	// SessionID is the server-assigned session identity, present on metadata and done
	// events.
	SessionID string
	// Answer is a complete non-streamed answer a done payload may supply when no
	// content events were sent.
	Answer string
	// ErrMessage is the human-readable message of an error event.
	ErrMessage string
}

// Terminal reports whether the event ends its stream.
func (e Event) Terminal() bool {
	return e.Type == EventTypeDone || e.Type == EventTypeError
}

type rawEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type rawEventData struct {
	Delta            string          `json:"delta"`
	Content          string          `json:"content"`
	Message          string          `json:"message"`
	Answer           string          `json:"answer"`
	SessionID        string          `json:"session_id"`
	ReasoningSummary string          `json:"reasoning_summary"`
	Sources          []models.Source `json:"sources"`
}

// decodeEvent parses a single event payload of the shape
// {"type":"...","data":{...}}. It returns errUnknownEventType for unrecognized type
// discriminants so callers can skip them without aborting the stream.
func decodeEvent(payload []byte) (Event, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	var data rawEventData
	if len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return Event{}, fmt.Errorf("failed to unmarshal %s event data: %w", raw.Type, err)
		}
	}

	switch EventType(raw.Type) {
	case EventTypeMetadata:
		return Event{
			Type:      EventTypeMetadata,
			SessionID: data.SessionID,
			Sources:   data.Sources,
			Metadata:  decodeMetadata(raw.Data),
		}, nil
	case EventTypeContent:
		return Event{Type: EventTypeContent, Delta: data.Delta}, nil
	case EventTypeReasoning:
		return Event{Type: EventTypeReasoning, Reasoning: data.Content}, nil
	case EventTypeSources:
		return Event{Type: EventTypeSources, Sources: data.Sources}, nil
	case EventTypeDone:
		return Event{
			Type:      EventTypeDone,
			SessionID: data.SessionID,
			Answer:    data.Answer,
			Metadata:  decodeMetadata(raw.Data),
		}, nil
	case EventTypeError:
		msg := data.Message
		if msg == "" {
			msg = "unknown stream error"
		}
		return Event{Type: EventTypeError, ErrMessage: msg}, nil
	default:
		return Event{Type: EventType(raw.Type)}, errUnknownEventType
	}
}

// decodeMetadata keeps the whole payload of metadata-bearing events so aggregate
// fields survive into the finalized message. Structural fields handled elsewhere are
// stripped.
func decodeMetadata(data json.RawMessage) models.Metadata {
	if len(data) == 0 {
		return nil
	}
	var md models.Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil
	}
	delete(md, "sources")
	delete(md, "answer")
	if len(md) == 0 {
		return nil
	}
	return md
}
