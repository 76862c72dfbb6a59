package models

import "time"

// HistoryFilter selects which past rounds a history page contains.
type HistoryFilter string

const (
	HistoryFilterAll    HistoryFilter = "all"
	HistoryFilterYouWin HistoryFilter = "youWin"
)

// HistoryRound is a past round as returned by the history backend.
type HistoryRound struct {
	ID                  string        `json:"_id,omitempty"`
	RoundID             RoundID       `json:"roundId"`
	Status              RoundStatus   `json:"status"`
	StartTime           int64         `json:"startTime"`
	EndTime             int64         `json:"endTime"`
	DrawnAt             int64         `json:"drawnAt"`
	NumberOfPlayers     int           `json:"numberOfParticipants"`
	TotalValue          string        `json:"totalValue"`
	Winner              string        `json:"winner"`
	Participants        []Participant `json:"participants"`
	WinnerClaimed       bool          `json:"winnerClaimed"`
	TxClaimed           string        `json:"txClaimed"`
	KuroContractAddress string        `json:"kuroContractAddress,omitempty"`
	CompletedAt         *time.Time    `json:"completedAt,omitempty"`
	CreatedAt           *time.Time    `json:"createdAt,omitempty"`
	UpdatedAt           *time.Time    `json:"updatedAt,omitempty"`
}

// Snapshot projects a historical round onto a RoundSnapshot.
func (r *HistoryRound) Snapshot() *RoundSnapshot {
	return &RoundSnapshot{
		RoundID:      r.RoundID,
		Status:       r.Status,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		TotalValue:   r.TotalValue,
		Participants: cloneParticipants(r.Participants),
		Winner:       r.Winner,
	}
}

// HistoryPage is one page of past rounds.
type HistoryPage struct {
	Data    []HistoryRound `json:"data"`
	Message string         `json:"message"`
	Page    int            `json:"page"`
	Size    int            `json:"size"`
	Success bool           `json:"success"`
	Total   int            `json:"total"`
}

// TotalPages returns the number of pages for the reported total and size.
func (p *HistoryPage) TotalPages() int {
	if p.Size <= 0 {
		return 0
	}
	return (p.Total + p.Size - 1) / p.Size
}
