package nso

import (
	"context"
	"fmt"
	"net/url"

	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/coral/errutil"
	"github.com/xeptore/coral/nso/pkce"
	"github.com/xeptore/coral/result"
)

// Opener drives the out-of-process browser interaction: it presents the
// authorize URL to the user and returns the callback URL the browser was
// redirected to. The redirect uses a custom URL scheme, so in a terminal the
// user pastes the link back by hand.
type Opener interface {
	Open(ctx context.Context, authorizeURL string) (callbackURL string, err error)
}

// Authorization is one login attempt's authorize URL together with the PKCE
// verifier and state baked into it. The verifier must accompany the session
// token code into the exchange.
type Authorization struct {
	URL      string
	Verifier string
	State    string
}

func NewAuthorization() *Authorization {
	verifier := pkce.Verifier()
	state := pkce.State()

	query := make(url.Values, 8)
	query.Add("state", state)
	query.Add("redirect_uri", RedirectScheme+"://auth")
	query.Add("client_id", ClientID)
	query.Add("scope", "openid user user.birthday user.mii user.screenName")
	query.Add("response_type", "session_token_code")
	query.Add("session_token_code_challenge", pkce.Challenge(verifier))
	query.Add("session_token_code_challenge_method", pkce.ChallengeMethod)
	query.Add("theme", "login_form")

	//nolint:exhaustruct
	authorizeURL := url.URL{
		Scheme:   "https",
		Host:     "accounts.nintendo.com",
		Path:     "/connect/1.0.0/authorize",
		RawQuery: query.Encode(),
	}

	return &Authorization{
		URL:      authorizeURL.String(),
		Verifier: verifier,
		State:    state,
	}
}

// Await runs the opener and blocks until it delivers a callback URL, fails,
// or ctx is canceled. Cancellation wins over a late opener result.
func (a *Authorization) Await(ctx context.Context, opener Opener) (sessionTokenCode string, err error) {
	done := make(chan result.Of[string], 1)
	go func() {
		callbackURL, err := opener.Open(ctx, a.URL)
		if nil != err {
			if errutil.IsContext(ctx) {
				done <- result.Err[string](ctx.Err())
				return
			}
			done <- result.Err[string](fmt.Errorf("%w: interactive session failed: %v", ErrInvalidCallbackURL, err))
			return
		}
		code, err := ParseCallbackURL(callbackURL)
		if nil != err {
			done <- result.Err[string](err)
			return
		}
		done <- result.Ok(&code)
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		if err := res.Err(); nil != err {
			return "", err
		}
		return *res.Unwrap(), nil
	}
}

// ParseCallbackURL extracts the session token code from the callback URL.
// Some client versions deliver the parameters in the fragment instead of the
// query, so both are searched.
func ParseCallbackURL(callbackURL string) (string, error) {
	u, err := url.Parse(callbackURL)
	if nil != err {
		return "", fmt.Errorf("%w: %v", ErrInvalidCallbackURL, err)
	}

	params, err := url.ParseQuery(u.RawQuery + "&" + u.Fragment)
	if nil != err {
		flawP := flaw.P{"callback_url": callbackURL, "err_debug_tree": errutil.Tree(err).FlawP()}
		return "", flaw.From(fmt.Errorf("failed to parse callback URL parameters: %v", err)).Append(flawP)
	}

	code := params.Get("session_token_code")
	if code == "" {
		return "", fmt.Errorf("%w: missing session_token_code", ErrInvalidCallbackURL)
	}
	return code, nil
}
