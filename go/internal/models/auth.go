package models

// AuthChallenge is the message the auth backend asks a wallet to sign.
type AuthChallenge struct {
	Message string `json:"message"`
	Nonce   string `json:"nonce,omitempty"`
}

// AuthSession is issued once a signed challenge has been verified.
type AuthSession struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// HistoryQuery selects one page of past rounds.
type HistoryQuery struct {
	Page    int
	Limit   int
	Filter  HistoryFilter
	Address string
}

// ClaimConfirmation tells the backend that a claim or withdrawal transaction
// has been mined.
type ClaimConfirmation struct {
	RoundID RoundID `json:"roundId"`
	TxHash  string  `json:"txHash"`
}
