package connection

import (
	"encoding/json"
	"time"

	"github.com/kurolabs/kuro/go/internal/models"
)

// SignalKind names a signal delivered to the subscriber.
type SignalKind int

const (
	SignalConnected SignalKind = iota + 1
	SignalDisconnected
	SignalConnectionError
	SignalReconnectAttempt
	SignalReconnectExhausted
	SignalRoundUpdate
	SignalWinnerAnnounced
	SignalNewRound
)

func (k SignalKind) String() string {
	switch k {
	case SignalConnected:
		return "connected"
	case SignalDisconnected:
		return "disconnected"
	case SignalConnectionError:
		return "connection-error"
	case SignalReconnectAttempt:
		return "reconnect-attempt"
	case SignalReconnectExhausted:
		return "reconnect-exhausted"
	case SignalRoundUpdate:
		return "round-update"
	case SignalWinnerAnnounced:
		return "winner-announced"
	case SignalNewRound:
		return "new-round"
	default:
		return "unknown"
	}
}

// Signal is one event delivered by the Manager. Only the fields relevant to
// Kind are set.
type Signal struct {
	Kind       SignalKind
	Generation uint64
	SessionID  string
	ReceivedAt time.Time

	// Reason is set for connection-error and disconnected.
	Reason string
	// Attempt is the consecutive failure count for connection-error,
	// reconnect-attempt and reconnect-exhausted.
	Attempt int

	Round    *models.RoundSnapshot
	Winner   *models.WinnerAnnouncement
	NewRound *models.NewRoundNotice
	Raw      json.RawMessage
}

// IsLifecycle reports whether the signal describes the connection itself
// rather than forwarding a domain event.
func (s Signal) IsLifecycle() bool {
	return s.Kind >= SignalConnected && s.Kind <= SignalReconnectExhausted
}
