package stream

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/tmaxmax/go-sse"
)

var errUnknownEventType = errors.New("unknown event type")

// Events reads a text/event-stream body and yields decoded chat events in arrival
// order. The iterator stops after the first terminal event, when the body is
// exhausted, or when the caller stops consuming. The caller owns the body and is
// responsible for closing it.
//
// Individual malformed payloads and unrecognized event types are logged and skipped
// rather than aborting the stream; losing one frame should not lose the whole answer.
func Events(logger *slog.Logger, body io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for ev, err := range sse.Read(body, nil) {
			if err != nil {
				yield(Event{}, fmt.Errorf("error reading stream: %w", err))
				return
			}

			payload := strings.TrimSpace(ev.Data)
			if payload == "" || payload == doneSentinel {
				continue
			}

			e, err := decodeEvent([]byte(payload))
			if err != nil {
				if errors.Is(err, errUnknownEventType) {
					logger.Warn("Skipping unknown stream event type",
						slog.String("type", string(e.Type)))
					continue
				}
				logger.Warn("Skipping malformed stream payload",
					slog.String("payload", payload),
					slog.String("err", err.Error()))
				continue
			}

			if !yield(e, nil) {
				return
			}
			if e.Terminal() {
				return
			}
		}
	}
}
