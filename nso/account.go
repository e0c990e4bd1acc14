package nso

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/coral/config"
	"github.com/xeptore/coral/errutil"
	"github.com/xeptore/coral/httputil"
	"github.com/xeptore/coral/log"
	"github.com/xeptore/coral/must"
	"github.com/xeptore/coral/ptr"
)

// Accounts performs the stateless Nintendo account token exchanges. Every
// call is single-attempt; retries belong to the orchestrator.
type Accounts struct {
	baseURL    string
	apiBaseURL string
	language   string
}

func NewAccounts(language string) *Accounts {
	return &Accounts{
		baseURL:    accountsBaseURL,
		apiBaseURL: accountsAPIBaseURL,
		language:   language,
	}
}

// NewAccountsWithBaseURLs is meant for tests that point the client at a local
// double.
func NewAccountsWithBaseURLs(language, baseURL, apiBaseURL string) *Accounts {
	return &Accounts{
		baseURL:    baseURL,
		apiBaseURL: apiBaseURL,
		language:   language,
	}
}

// ExchangeSessionTokenCode trades the session token code obtained from the
// interactive authorization for the long-lived session token. The verifier
// must be the one whose challenge was embedded in the authorize URL.
func (a *Accounts) ExchangeSessionTokenCode(ctx context.Context, verifier, code string) (sessionToken string, err error) {
	reqURL := a.baseURL + "/connect/1.0.0/api/session_token"
	flawP := flaw.P{"url": reqURL}

	reqParams := make(url.Values, 3)
	reqParams.Add("client_id", ClientID)
	reqParams.Add("session_token_code", code)
	reqParams.Add("session_token_code_verifier", strings.ReplaceAll(verifier, "=", ""))
	reqParamsStr := reqParams.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewBufferString(reqParamsStr))
	if nil != err {
		if errutil.IsContext(ctx) {
			return "", ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return "", flaw.From(fmt.Errorf("failed to create session token request: %v", err)).Append(flawP)
	}
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Accept-Language", a.language)
	req.Header.Add("User-Agent", userAgent)

	client := http.Client{Timeout: config.SessionTokenRequestTimeout} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return "", ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return "", context.DeadlineExceeded
		default:
			flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
			return "", flaw.From(fmt.Errorf("failed to issue session token request: %v", err)).Append(flawP)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			flawP["err_debug_tree"] = errutil.Tree(closeErr).FlawP()
			closeErr = flaw.From(fmt.Errorf("failed to close response body: %v", closeErr)).Append(flawP)
			switch {
			case nil == err:
				err = closeErr
			case errors.Is(err, ErrInvalidSessionToken):
				err = flaw.From(errors.New("session token request was rejected")).Join(closeErr)
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			default:
				err = flaw.From(errors.New("session token request failed")).Join(closeErr)
			}
		}
	}()
	flawP["response"] = errutil.HTTPResponseFlawPayload(resp)

	if resp.StatusCode != http.StatusOK {
		return "", ErrInvalidSessionToken
	}

	respBytes, err := httputil.ReadResponseBody(ctx, resp)
	if nil != err {
		return "", err
	}
	var respBody struct {
		Code         string `json:"code"`
		SessionToken string `json:"session_token"`
	}
	if err := json.Unmarshal(respBytes, &respBody); nil != err {
		flawP["response_body"] = string(respBytes)
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return "", flaw.From(fmt.Errorf("failed to decode session token response body: %v", err)).Append(flawP)
	}
	if respBody.SessionToken == "" {
		flawP["response_body"] = string(respBytes)
		return "", flaw.From(errors.New("received empty session token")).Append(flawP)
	}
	return respBody.SessionToken, nil
}

// ExchangeSessionToken derives the login token pair from a session token.
func (a *Accounts) ExchangeSessionToken(ctx context.Context, sessionToken string) (out *LoginToken, err error) {
	reqURL := a.baseURL + "/connect/1.0.0/api/token"
	flawP := flaw.P{"url": reqURL}

	reqBytes, err := json.Marshal(map[string]string{
		"client_id":     ClientID,
		"session_token": sessionToken,
		"grant_type":    "urn:ietf:params:oauth:grant-type:jwt-bearer-session-token",
	})
	if nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to encode token request body: %v", err)).Append(flawP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(reqBytes))
	if nil != err {
		if errutil.IsContext(ctx) {
			return nil, ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to create token request: %v", err)).Append(flawP)
	}
	req.Header.Add("Content-Type", "application/json; charset=utf-8")
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Accept-Language", a.language)
	req.Header.Add("User-Agent", userAgent)

	client := http.Client{Timeout: config.AccessTokenRequestTimeout} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		default:
			flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
			return nil, flaw.From(fmt.Errorf("failed to issue token request: %v", err)).Append(flawP)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			flawP["err_debug_tree"] = errutil.Tree(closeErr).FlawP()
			closeErr = flaw.From(fmt.Errorf("failed to close response body: %v", closeErr)).Append(flawP)
			switch {
			case nil == err:
				err = closeErr
			case errors.Is(err, ErrInvalidSessionToken):
				err = flaw.From(errors.New("token request was rejected")).Join(closeErr)
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			default:
				err = flaw.From(errors.New("token request failed")).Join(closeErr)
			}
		}
	}()
	flawP["response"] = errutil.HTTPResponseFlawPayload(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, ErrInvalidSessionToken
	}

	respBytes, err := httputil.ReadResponseBody(ctx, resp)
	if nil != err {
		return nil, err
	}
	var respBody struct {
		AccessToken string `json:"access_token"`
		IDToken     string `json:"id_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(respBytes, &respBody); nil != err {
		flawP["response_body"] = string(respBytes)
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to decode token response body: %v", err)).Append(flawP)
	}
	if respBody.AccessToken == "" || respBody.IDToken == "" {
		flawP["access_token"] = log.RedactString(respBody.AccessToken)
		flawP["id_token"] = log.RedactString(respBody.IDToken)
		return nil, flaw.From(errors.New("received incomplete login token")).Append(flawP)
	}

	return &LoginToken{
		AccessToken: respBody.AccessToken,
		IDToken:     respBody.IDToken,
		ExpiresIn:   respBody.ExpiresIn,
	}, nil
}

// FetchUserProfile loads the Nintendo account profile of the token's owner.
// Birthday, country, and language feed the step-1 token request template.
func (a *Accounts) FetchUserProfile(ctx context.Context, accessToken string) (out *NAUser, err error) {
	reqURL := a.apiBaseURL + "/2.0.0/users/me"
	flawP := flaw.P{"url": reqURL}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if nil != err {
		if errutil.IsContext(ctx) {
			return nil, ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to create user profile request: %v", err)).Append(flawP)
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Accept-Language", a.language)
	req.Header.Add("Authorization", "Bearer "+accessToken)
	req.Header.Add("User-Agent", userAgent)

	client := http.Client{Timeout: config.UserProfileRequestTimeout} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		default:
			flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
			return nil, flaw.From(fmt.Errorf("failed to issue user profile request: %v", err)).Append(flawP)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			flawP["err_debug_tree"] = errutil.Tree(closeErr).FlawP()
			closeErr = flaw.From(fmt.Errorf("failed to close response body: %v", closeErr)).Append(flawP)
			switch {
			case nil == err:
				err = closeErr
			case errors.Is(err, ErrInvalidSessionToken):
				err = flaw.From(errors.New("user profile request was rejected")).Join(closeErr)
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			default:
				err = flaw.From(errors.New("user profile request failed")).Join(closeErr)
			}
		}
	}()
	flawP["response"] = errutil.HTTPResponseFlawPayload(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, ErrInvalidSessionToken
	}

	respBytes, err := httputil.ReadResponseBody(ctx, resp)
	if nil != err {
		return nil, err
	}
	var respBody struct {
		ID       string `json:"id"`
		Birthday string `json:"birthday"`
		Country  string `json:"country"`
		Language string `json:"language"`
	}
	if err := json.Unmarshal(respBytes, &respBody); nil != err {
		flawP["response_body"] = string(respBytes)
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to decode user profile response body: %v", err)).Append(flawP)
	}
	if respBody.ID == "" {
		flawP["response_body"] = string(respBytes)
		return nil, flaw.From(errors.New("received user profile without an id")).Append(flawP)
	}

	return ptr.Of(NAUser{
		ID:       respBody.ID,
		Birthday: respBody.Birthday,
		Country:  respBody.Country,
		Language: respBody.Language,
	}), nil
}
