// Package nso acquires and maintains the chain of Nintendo Switch Online
// credentials: an interactive browser login yields a long-lived session
// token, which is exchanged for a login token, a coral account login, and
// finally the short-lived game web service token downstream APIs consume.
package nso

import (
	"errors"
)

const (
	// ClientID identifies the NSO application at the Nintendo account
	// endpoints.
	ClientID = "71b963c1b7b6d119"

	// GameServiceID is the id of the game web service whose token the flow
	// ultimately issues.
	GameServiceID int64 = 4834290508791808

	// RedirectScheme is the custom URL scheme the authorize endpoint
	// redirects back to. It cannot be captured by a loopback listener, so the
	// callback URL travels back through the interactive collaborator.
	RedirectScheme = "npf" + ClientID

	accountsBaseURL    = "https://accounts.nintendo.com"
	accountsAPIBaseURL = "https://api.accounts.nintendo.com"
	coralBaseURL       = "https://api-lp1.znc.srv.nintendo.net"

	userAgent = "OnlineLounge/2.10.1 NASDKAPI Android"
)

var (
	// ErrInvalidCallbackURL is returned when the interactive step yields no
	// parsable session token code.
	ErrInvalidCallbackURL = errors.New("invalid callback URL")

	// ErrInvalidSessionToken is returned when any token-exchange or profile
	// call is rejected. On the cached-session-token refresh path it means the
	// stored session token is no longer accepted and a full re-login is
	// required.
	ErrInvalidSessionToken = errors.New("invalid session token")
)

// LoginToken is the short-lived token pair derived from a session token. It
// only lives for the duration of a login flow.
type LoginToken struct {
	AccessToken string
	IDToken     string
	ExpiresIn   int64
}

// NAUser is the Nintendo account profile of the logged-in user.
type NAUser struct {
	ID       string
	Birthday string
	Country  string
	Language string
}

// LoginResult is the decrypted response of the coral account login.
type LoginResult struct {
	WebAPIServerCredential struct {
		AccessToken string `json:"accessToken"`
		ExpiresIn   int64  `json:"expiresIn"`
	} `json:"webApiServerCredential"`
	User struct {
		ID         int64  `json:"id"`
		FriendCode string `json:"friendCode"`
		Name       string `json:"name"`
		ImageURI   string `json:"imageUri"`
	} `json:"user"`
}

// WebServiceToken is the final deliverable of the flow, persisted and reused
// by game API clients until its validity window lapses.
type WebServiceToken struct {
	AccessToken string
	ExpiresIn   int64
}

// Credentials bundles everything a completed login flow produced.
type Credentials struct {
	SessionToken    string
	LoginToken      LoginToken
	User            NAUser
	LoginResult     LoginResult
	WebServiceToken WebServiceToken
}
