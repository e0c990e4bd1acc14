package config

import "time"

var (
	SessionTokenRequestTimeout    = 10 * time.Second
	AccessTokenRequestTimeout     = 10 * time.Second
	UserProfileRequestTimeout     = 10 * time.Second
	FAPIAuthTokenRequestTimeout   = 10 * time.Second
	FAPIConfigRequestTimeout      = 10 * time.Second
	FAPIGenerateFRequestTimeout   = 15 * time.Second
	FAPIDecryptRequestTimeout     = 10 * time.Second
	CoralLoginRequestTimeout      = 15 * time.Second
	WebServiceTokenRequestTimeout = 15 * time.Second
)

var (
	// FAPITransientMaxRetries bounds the local retry of the f-value service's
	// auth-token and decrypt calls. 1 means two attempts total.
	FAPITransientMaxRetries uint64 = 1
	FAPITransientRetryWait         = time.Second

	// LoginMaxAttempts bounds the whole-fetch retry the orchestrator performs
	// when the game service token is rejected mid-flow.
	LoginMaxAttempts = 2
)

// GameServiceTokenTTL is the validity window of a persisted web service
// token. Tokens older than this are refreshed before use.
var GameServiceTokenTTL = 3 * time.Hour
