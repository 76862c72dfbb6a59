package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RoundStatus is the raw numeric status code supplied by the authority.
type RoundStatus int

const (
	RoundStatusNone      RoundStatus = 0
	RoundStatusOpen      RoundStatus = 1
	RoundStatusDrawing   RoundStatus = 2
	RoundStatusDrawn     RoundStatus = 3
	RoundStatusCancelled RoundStatus = 4
)

func (s RoundStatus) String() string {
	switch s {
	case RoundStatusNone:
		return "NONE"
	case RoundStatusOpen:
		return "OPEN"
	case RoundStatusDrawing:
		return "DRAWING"
	case RoundStatusDrawn:
		return "DRAWN"
	case RoundStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
	}
}

// NoDataMarker is the error value the authority pushes for a stale or empty round.
const NoDataMarker = "No data available"

// RoundID identifies a round. The authority sends it either as a JSON number
// or as a string, so both forms decode to the same value.
type RoundID string

// UnmarshalJSON accepts "90", 90 and null.
func (id *RoundID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode round id: %w", err)
		}
		*id = RoundID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("decode round id: %w", err)
	}
	*id = RoundID(n.String())
	return nil
}

// MarshalJSON writes numeric ids as JSON numbers, which is what the backend
// expects on outbound requests, and anything else as a string.
func (id RoundID) MarshalJSON() ([]byte, error) {
	if id.numeric() {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id RoundID) numeric() bool {
	if id == "" || (len(id) > 1 && id[0] == '0') {
		return false
	}
	for _, c := range []byte(id) {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func (id RoundID) String() string {
	return string(id)
}

// Deposit is a single deposit made by a participant. Amount is an integer in
// the smallest unit of value, kept as the decimal string the authority sent.
type Deposit struct {
	Amount       string `json:"amount"`
	TokenAddress string `json:"tokenAddress"`
}

// UnmarshalJSON accepts the amount either as a string or as a bare number.
func (d *Deposit) UnmarshalJSON(data []byte) error {
	var raw struct {
		Amount       json.RawMessage `json:"amount"`
		TokenAddress string          `json:"tokenAddress"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.TokenAddress = raw.TokenAddress
	d.Amount = decodeIntegerString(raw.Amount)
	return nil
}

// Participant is one address taking part in a round.
type Participant struct {
	Address  string    `json:"address"`
	Deposits []Deposit `json:"deposits"`
}

// RoundSnapshot is the authoritative view of the currently tracked round.
type RoundSnapshot struct {
	RoundID      RoundID       `json:"roundId"`
	Status       RoundStatus   `json:"status"`
	StartTime    int64         `json:"startTime"`
	EndTime      int64         `json:"endTime"`
	TotalValue   string        `json:"totalValue"`
	Participants []Participant `json:"participants"`
	Winner       string        `json:"winner,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// HasDepositWindow reports whether the authority has opened a deposit window.
func (s *RoundSnapshot) HasDepositWindow() bool {
	return s.StartTime > 0 && s.EndTime > 0
}

// AwaitingFirstDeposit reports whether no deposit window has been opened yet.
func (s *RoundSnapshot) AwaitingFirstDeposit() bool {
	return s.StartTime == 0 && s.EndTime == 0
}

// IsNoData reports whether the payload carries the authority's "no data" marker.
func (s *RoundSnapshot) IsNoData() bool {
	return s.Error == NoDataMarker
}

// FindParticipant returns the participant with the given address, compared
// case-insensitively. Rows that differ only in case are merged: the first
// row's address is kept and the deposits of every matching row are combined.
func (s *RoundSnapshot) FindParticipant(address string) (Participant, bool) {
	if s == nil || strings.TrimSpace(address) == "" {
		return Participant{}, false
	}
	for _, p := range s.MergedParticipants() {
		if SameAddress(p.Address, address) {
			return p, true
		}
	}
	return Participant{}, false
}

// MergedParticipants returns one participant per case-insensitive address in
// first-seen order.
func (s *RoundSnapshot) MergedParticipants() []Participant {
	if s == nil || len(s.Participants) == 0 {
		return nil
	}
	out := make([]Participant, 0, len(s.Participants))
	index := make(map[string]int, len(s.Participants))
	for _, p := range s.Participants {
		k := strings.ToLower(strings.TrimSpace(p.Address))
		if i, ok := index[k]; ok {
			out[i].Deposits = append(out[i].Deposits, p.Deposits...)
			continue
		}
		index[k] = len(out)
		out = append(out, Participant{
			Address:  p.Address,
			Deposits: append([]Deposit(nil), p.Deposits...),
		})
	}
	return out
}

// Clone returns a deep copy so callers can hand out read-only views.
func (s *RoundSnapshot) Clone() *RoundSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Participants = cloneParticipants(s.Participants)
	return &out
}

// Equal reports whether two snapshots carry the same content.
func (s *RoundSnapshot) Equal(other *RoundSnapshot) bool {
	if s == nil || other == nil {
		return s == other
	}
	if s.RoundID != other.RoundID || s.Status != other.Status ||
		s.StartTime != other.StartTime || s.EndTime != other.EndTime ||
		s.TotalValue != other.TotalValue || s.Winner != other.Winner ||
		len(s.Participants) != len(other.Participants) {
		return false
	}
	for i := range s.Participants {
		a, b := s.Participants[i], other.Participants[i]
		if !SameAddress(a.Address, b.Address) || len(a.Deposits) != len(b.Deposits) {
			return false
		}
		for j := range a.Deposits {
			if a.Deposits[j].Amount != b.Deposits[j].Amount ||
				!SameAddress(a.Deposits[j].TokenAddress, b.Deposits[j].TokenAddress) {
				return false
			}
		}
	}
	return true
}

// WinnerAnnouncement is pushed by the authority once per round when the
// winner has been drawn.
type WinnerAnnouncement struct {
	RoundID      RoundID       `json:"roundId"`
	Winner       string        `json:"winner"`
	DrawnAt      int64         `json:"drawnAt"`
	TotalValue   string        `json:"totalValue"`
	Participants []Participant `json:"participants"`
}

// Snapshot projects the announcement onto a RoundSnapshot so the same
// aggregation and geometry code can be reused on draw-time participants.
func (w *WinnerAnnouncement) Snapshot() *RoundSnapshot {
	return &RoundSnapshot{
		RoundID:      w.RoundID,
		Status:       RoundStatusDrawn,
		TotalValue:   w.TotalValue,
		Participants: cloneParticipants(w.Participants),
		Winner:       w.Winner,
	}
}

// NewRoundNotice is the informational payload announcing a new round.
type NewRoundNotice struct {
	RoundID RoundID `json:"roundId"`
}

func cloneParticipants(in []Participant) []Participant {
	if in == nil {
		return nil
	}
	out := make([]Participant, len(in))
	for i, p := range in {
		out[i] = Participant{
			Address:  p.Address,
			Deposits: append([]Deposit(nil), p.Deposits...),
		}
	}
	return out
}

func decodeIntegerString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
