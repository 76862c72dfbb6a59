package connection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kurolabs/kuro/go/internal/models"
)

// EventType is the name the push server uses for an event.
type EventType string

const (
	EventRoundUpdate      EventType = "kuroUpdate"
	EventWinnerAnnounced  EventType = "winnerAnnounced"
	EventNewRound         EventType = "newRound"
	EventSubscribeToRound EventType = "subscribeToRound"
)

// ErrUnknownEvent is returned for events the engine does not consume.
var ErrUnknownEvent = errors.New("unknown event type")

// Message is the transport-neutral envelope for a pushed or sent event.
type Message struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// DecodeMessage turns a pushed message into a domain signal.
func DecodeMessage(msg Message) (Signal, error) {
	sig := Signal{Raw: msg.Data}

	switch msg.Event {
	case EventRoundUpdate:
		var snap models.RoundSnapshot
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			return Signal{}, fmt.Errorf("decode %s: %w", msg.Event, err)
		}
		sig.Kind = SignalRoundUpdate
		sig.Round = &snap

	case EventWinnerAnnounced:
		var ann models.WinnerAnnouncement
		if err := json.Unmarshal(unwrapData(msg.Data), &ann); err != nil {
			return Signal{}, fmt.Errorf("decode %s: %w", msg.Event, err)
		}
		sig.Kind = SignalWinnerAnnounced
		sig.Winner = &ann

	case EventNewRound:
		var notice models.NewRoundNotice
		if err := json.Unmarshal(unwrapData(msg.Data), &notice); err != nil {
			return Signal{}, fmt.Errorf("decode %s: %w", msg.Event, err)
		}
		sig.Kind = SignalNewRound
		sig.NewRound = &notice

	default:
		return Signal{}, fmt.Errorf("%w: %s", ErrUnknownEvent, msg.Event)
	}

	return sig, nil
}

// unwrapData strips the {"data": ...} wrapper the server puts around winner
// and new-round payloads. Payloads without the wrapper are returned as is.
func unwrapData(raw json.RawMessage) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return raw
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return raw
	}
	inner, ok := wrapper["data"]
	if !ok || len(wrapper) != 1 {
		return raw
	}
	return inner
}
