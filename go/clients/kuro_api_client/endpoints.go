package kuro_api_client

const (
	// API Endpoints
	RequestSignatureEndpoint = "/api/auth/request-signature"
	VerifySignatureEndpoint  = "/api/auth/verify-signature"
	ProfileEndpoint          = "/api/user/profile"
	HistoryEndpoint          = "/api/kuro/history"
	ClaimEndpoint            = "/api/kuro/claim"

	// Headers
	AuthorizationHeader = "Authorization"
	BearerPrefix        = "Bearer "

	DefaultHistoryLimit = 10
)
