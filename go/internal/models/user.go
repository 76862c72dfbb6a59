package models

// User is the authenticated profile returned by the auth backend.
type User struct {
	Address      string `json:"address"`
	ReferralCode string `json:"referralCode"`
	Points       int64  `json:"points,omitempty"`
	Rank         *int   `json:"rank,omitempty"`
}

// Ranked reports whether the user appears on the leaderboard.
func (u *User) Ranked() bool {
	return u != nil && u.Rank != nil
}
