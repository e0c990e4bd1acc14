// Package fapi talks to the third-party f-value generation service. The
// service signs coral token requests (the "f" anti-abuse value), encrypts the
// token request payloads server-side, and decrypts coral responses. It bans
// aggressive callers, so every f request passes a local rate floor first.
package fapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/coral/cache"
	"github.com/xeptore/coral/config"
	"github.com/xeptore/coral/constant"
	"github.com/xeptore/coral/errutil"
	"github.com/xeptore/coral/httputil"
	"github.com/xeptore/coral/log"
	"github.com/xeptore/coral/must"
	"github.com/xeptore/coral/ratelimit"
	"github.com/xeptore/coral/retry"
)

const DefaultBaseURL = "https://nxapi-znca-api.fancy.org.uk/api/znca"

var (
	// ErrInvalidGameServiceToken is returned when the service rejects the
	// provided token with 401. The orchestrator reacts with one
	// refresh-and-retry of the whole fetch.
	ErrInvalidGameServiceToken = errors.New("invalid game service token")

	// ErrTooManyRequests is returned when the local rate floor trips or the
	// service answers 429. It is never retried automatically.
	ErrTooManyRequests = errors.New("too many requests")

	// ErrService is returned when an auth-token or decrypt call keeps failing
	// after the local bounded retry, or when a 2xx response is unusable.
	ErrService = errors.New("f-value service failure")
)

// ResponseError carries the diagnostic context of an unclassified non-2xx
// response from the f endpoint.
type ResponseError struct {
	Code int
	URL  string
	Body string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("unexpected status code %d from %s", e.Code, e.URL)
}

// Step tags which coral call the f value is generated for. The service hashes
// the payload differently per step.
type Step int

const (
	StepAccountLogin    Step = 1
	StepWebServiceToken Step = 2
)

// EncryptTokenRequest is the plaintext token request template the service
// encrypts server-side. The f field is left blank and filled by the service.
type EncryptTokenRequest struct {
	URL       string         `json:"url"`
	Parameter map[string]any `json:"parameter"`
}

// FResult is a successful f generation. EncryptedTokenRequest is the exact
// byte sequence to post to the coral endpoint the request targets.
type FResult struct {
	F                     string
	Timestamp             int64
	RequestID             string
	EncryptedTokenRequest []byte
	NSOVersion            string
}

type RemoteConfig struct {
	NSOVersion string    `json:"nso_version"`
	Warnings   []Warning `json:"warnings"`
}

type Warning struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// VersionStore is the persisted side of the NSO version and rate floor
// bookkeeping. Implemented by nso.Cache.
type VersionStore interface {
	NSOVersion() string
	SetNSOVersion(version string) error
	SetLastFAPIRequestTime(t time.Time) error
}

type Client struct {
	logger   zerolog.Logger
	baseURL  string
	floor    *ratelimit.Floor
	versions *cache.Cache
	store    VersionStore
}

func NewClient(logger zerolog.Logger, baseURL string, floor *ratelimit.Floor, versions *cache.Cache, store VersionStore) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		logger:   logger,
		baseURL:  baseURL,
		floor:    floor,
		versions: versions,
		store:    store,
	}
}

// AuthToken obtains the service access token required by the config, f, and
// decrypt endpoints. Transient failures are retried once before the call
// surfaces a service failure.
func (c *Client) AuthToken(ctx context.Context) (string, error) {
	var token string
	err := retry.Do(ctx, config.FAPITransientMaxRetries, config.FAPITransientRetryWait, func() error {
		t, err := c.authToken(ctx)
		if nil != err {
			return err
		}
		token = t
		return nil
	})
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return "", ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return "", context.DeadlineExceeded
		default:
			return "", errors.Join(ErrService, err)
		}
	}
	return token, nil
}

func (c *Client) authToken(ctx context.Context) (token string, err error) {
	reqURL := c.baseURL + "/auth"
	flawP := flaw.P{"url": reqURL}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if nil != err {
		if errutil.IsContext(ctx) {
			return "", ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return "", flaw.From(fmt.Errorf("failed to create auth token request: %v", err)).Append(flawP)
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "coral/"+constant.Version)

	client := http.Client{Timeout: config.FAPIAuthTokenRequestTimeout} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return "", ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return "", context.DeadlineExceeded
		default:
			flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
			return "", flaw.From(fmt.Errorf("failed to issue auth token request: %v", err)).Append(flawP)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			flawP["err_debug_tree"] = errutil.Tree(closeErr).FlawP()
			closeErr = flaw.From(fmt.Errorf("failed to close response body: %v", closeErr)).Append(flawP)
			switch {
			case nil == err:
				err = closeErr
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			default:
				err = flaw.From(errors.New("auth token request failed")).Join(closeErr)
			}
		}
	}()
	flawP["response"] = errutil.HTTPResponseFlawPayload(resp)

	if resp.StatusCode != http.StatusOK {
		respBytes, err := httputil.ReadOptionalResponseBody(ctx, resp)
		if nil != err {
			return "", err
		}
		flawP["response_body"] = string(respBytes)
		return "", flaw.From(fmt.Errorf("unexpected status code: %d", resp.StatusCode)).Append(flawP)
	}

	respBytes, err := httputil.ReadResponseBody(ctx, resp)
	if nil != err {
		return "", err
	}
	var respBody struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(respBytes, &respBody); nil != err {
		flawP["response_body"] = string(respBytes)
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return "", flaw.From(fmt.Errorf("failed to decode auth token response body: %v", err)).Append(flawP)
	}
	if respBody.Token == "" {
		flawP["response_body"] = string(respBytes)
		return "", flaw.From(errors.New("received empty auth token")).Append(flawP)
	}
	return respBody.Token, nil
}

// Config fetches the service's remote config. Warnings are logged and never
// fatal.
func (c *Client) Config(ctx context.Context, accessToken string) (out *RemoteConfig, err error) {
	reqURL := c.baseURL + "/config"
	flawP := flaw.P{"url": reqURL}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if nil != err {
		if errutil.IsContext(ctx) {
			return nil, ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to create remote config request: %v", err)).Append(flawP)
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Authorization", "Bearer "+accessToken)
	req.Header.Add("User-Agent", "coral/"+constant.Version)

	client := http.Client{Timeout: config.FAPIConfigRequestTimeout} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		default:
			flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
			return nil, flaw.From(fmt.Errorf("failed to issue remote config request: %v", err)).Append(flawP)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			flawP["err_debug_tree"] = errutil.Tree(closeErr).FlawP()
			closeErr = flaw.From(fmt.Errorf("failed to close response body: %v", closeErr)).Append(flawP)
			switch {
			case nil == err:
				err = closeErr
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			default:
				err = flaw.From(errors.New("remote config request failed")).Join(closeErr)
			}
		}
	}()
	flawP["response"] = errutil.HTTPResponseFlawPayload(resp)

	if resp.StatusCode != http.StatusOK {
		respBytes, err := httputil.ReadOptionalResponseBody(ctx, resp)
		if nil != err {
			return nil, err
		}
		flawP["response_body"] = string(respBytes)
		return nil, flaw.From(fmt.Errorf("unexpected status code: %d", resp.StatusCode)).Append(flawP)
	}

	respBytes, err := httputil.ReadResponseBody(ctx, resp)
	if nil != err {
		return nil, err
	}
	var respBody RemoteConfig
	if err := json.Unmarshal(respBytes, &respBody); nil != err {
		flawP["response_body"] = string(respBytes)
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to decode remote config response body: %v", err)).Append(flawP)
	}
	if respBody.NSOVersion == "" {
		flawP["response_body"] = string(respBytes)
		return nil, flaw.From(errors.New("remote config is missing the NSO version")).Append(flawP)
	}

	if messages := lo.FilterMap(respBody.Warnings, func(w Warning, _ int) (string, bool) { return w.Message, w.Message != "" }); len(messages) > 0 {
		c.logger.Warn().Strs("warnings", messages).Msg("f-value service reported warnings")
	}
	return &respBody, nil
}

// EnsureVersion returns the NSO client version, fetching the remote config
// when the in-process cache is cold. The persisted store value serves as a
// fallback when the config endpoint is unreachable.
func (c *Client) EnsureVersion(ctx context.Context, accessToken string) (string, error) {
	version, err := c.versions.NSOVersion.Fetch(cache.DefaultNSOVersionTTL, func() (string, error) {
		cfg, err := c.Config(ctx, accessToken)
		if nil != err {
			return "", err
		}
		if storeErr := c.store.SetNSOVersion(cfg.NSOVersion); nil != storeErr {
			c.logger.Warn().Err(storeErr).Msg("Failed to persist NSO version")
		}
		return cfg.NSOVersion, nil
	})
	if nil != err {
		if stored := c.store.NSOVersion(); stored != "" {
			c.logger.Warn().Str("nso_version", stored).Msg("Remote config fetch failed. Falling back to persisted NSO version")
			return stored, nil
		}
		return "", err
	}
	return version, nil
}

// GenerateF asks the service for an f value and the encrypted token request
// targeting req.URL. A fresh call is required per step and per retry; results
// must never be reused. coralUserID must be empty for step 1 and the coral
// user id decrypted out of the step-1 login result for step 2.
func (c *Client) GenerateF(
	ctx context.Context,
	accessToken string,
	step Step,
	idToken string,
	tokenReq EncryptTokenRequest,
	naID string,
	coralUserID string,
) (res *FResult, err error) {
	if remaining, ok := c.floor.Check(); !ok {
		c.logger.Debug().Dur("remaining", remaining).Msg("f request rejected by local rate floor")
		return nil, ErrTooManyRequests
	}

	version, err := c.EnsureVersion(ctx, accessToken)
	if nil != err {
		return nil, err
	}

	reqURL := c.baseURL + "/f"
	flawP := flaw.P{"url": reqURL, "step": int(step), "na_id": naID}

	reqBody := struct {
		HashMethod  string              `json:"hash_method"`
		Token       string              `json:"token"`
		NAID        string              `json:"na_id"`
		CoralUserID string              `json:"coral_user_id,omitempty"`
		Request     EncryptTokenRequest `json:"request"`
	}{
		HashMethod:  strconv.Itoa(int(step)),
		Token:       idToken,
		NAID:        naID,
		CoralUserID: coralUserID,
		Request:     tokenReq,
	}
	reqBytes, err := json.Marshal(reqBody)
	if nil != err {
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to encode f request body: %v", err)).Append(flawP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(reqBytes))
	if nil != err {
		if errutil.IsContext(ctx) {
			return nil, ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to create f request: %v", err)).Append(flawP)
	}
	req.Header.Add("Content-Type", "application/json; charset=utf-8")
	req.Header.Add("Authorization", "Bearer "+accessToken)
	req.Header.Add("User-Agent", "coral/"+constant.Version)
	req.Header.Add("X-znca-Platform", "Android")
	req.Header.Add("X-znca-Version", version)

	client := http.Client{Timeout: config.FAPIGenerateFRequestTimeout} //nolint:exhaustruct
	resp, err := client.Do(req)
	c.touchFloor()
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		default:
			flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
			return nil, flaw.From(fmt.Errorf("failed to issue f request: %v", err)).Append(flawP)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			flawP["err_debug_tree"] = errutil.Tree(closeErr).FlawP()
			closeErr = flaw.From(fmt.Errorf("failed to close response body: %v", closeErr)).Append(flawP)
			switch {
			case nil == err:
				err = closeErr
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			default:
				err = flaw.From(errors.New("f request failed")).Join(closeErr)
			}
		}
	}()
	flawP["response"] = errutil.HTTPResponseFlawPayload(resp)

	switch code := resp.StatusCode; code {
	case http.StatusOK, http.StatusCreated:
	case http.StatusUnauthorized:
		return nil, ErrInvalidGameServiceToken
	case http.StatusTooManyRequests:
		return nil, ErrTooManyRequests
	default:
		respBytes, err := httputil.ReadOptionalResponseBody(ctx, resp)
		if nil != err {
			return nil, err
		}
		if msg := gjson.GetBytes(respBytes, "error_message"); msg.Type == gjson.String {
			c.logger.Error().Int("status_code", code).Str("error_message", msg.Str).Msg("f request rejected")
		}
		return nil, &ResponseError{Code: code, URL: reqURL, Body: string(respBytes)}
	}

	respBytes, err := httputil.ReadResponseBody(ctx, resp)
	if nil != err {
		return nil, err
	}
	var respBody struct {
		F                     string `json:"f"`
		Timestamp             int64  `json:"timestamp"`
		RequestID             string `json:"request_id"`
		EncryptedTokenRequest string `json:"encrypted_token_request"`
	}
	if err := json.Unmarshal(respBytes, &respBody); nil != err {
		flawP["response_body"] = string(respBytes)
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to decode f response body: %v", err)).Append(flawP)
	}
	if respBody.EncryptedTokenRequest == "" {
		flawP["response_body"] = string(respBytes)
		return nil, errors.Join(ErrService, flaw.From(errors.New("f response is missing the encrypted token request")).Append(flawP))
	}
	encrypted, err := base64.StdEncoding.DecodeString(respBody.EncryptedTokenRequest)
	if nil != err {
		flawP["encrypted_token_request"] = log.RedactString(respBody.EncryptedTokenRequest)
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, errors.Join(ErrService, flaw.From(fmt.Errorf("failed to decode encrypted token request: %v", err)).Append(flawP))
	}

	return &FResult{
		F:                     respBody.F,
		Timestamp:             respBody.Timestamp,
		RequestID:             respBody.RequestID,
		EncryptedTokenRequest: encrypted,
		NSOVersion:            version,
	}, nil
}

// AwaitFloor blocks until the local rate floor admits the next f request, or
// ctx ends. The login chain issues two f calls back to back and must pace
// itself instead of tripping its own floor; one-shot callers keep the
// fail-fast Check inside GenerateF.
func (c *Client) AwaitFloor(ctx context.Context) error {
	for {
		remaining, ok := c.floor.Check()
		if ok {
			return nil
		}
		c.logger.Debug().Dur("remaining", remaining).Msg("Waiting out the f request rate floor")
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) touchFloor() {
	at := c.floor.Touch()
	if err := c.store.SetLastFAPIRequestTime(at); nil != err {
		c.logger.Warn().Err(err).Msg("Failed to persist f request timestamp")
	}
}

// Decrypt sends a coral response blob to the decryption endpoint and returns
// the plaintext. Any failure is retried once before the call surfaces a
// service failure.
func (c *Client) Decrypt(ctx context.Context, accessToken string, data []byte) ([]byte, error) {
	var plain []byte
	err := retry.Do(ctx, config.FAPITransientMaxRetries, config.FAPITransientRetryWait, func() error {
		p, err := c.decrypt(ctx, accessToken, data)
		if nil != err {
			return err
		}
		plain = p
		return nil
	})
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		default:
			return nil, errors.Join(ErrService, err)
		}
	}
	return plain, nil
}

func (c *Client) decrypt(ctx context.Context, accessToken string, data []byte) (plain []byte, err error) {
	reqURL := c.baseURL + "/decrypt"
	flawP := flaw.P{"url": reqURL, "data_len": len(data)}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(data))
	if nil != err {
		if errutil.IsContext(ctx) {
			return nil, ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to create decrypt request: %v", err)).Append(flawP)
	}
	req.Header.Add("Content-Type", "application/octet-stream")
	req.Header.Add("Authorization", "Bearer "+accessToken)
	req.Header.Add("User-Agent", "coral/"+constant.Version)

	client := http.Client{Timeout: config.FAPIDecryptRequestTimeout} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		default:
			flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
			return nil, flaw.From(fmt.Errorf("failed to issue decrypt request: %v", err)).Append(flawP)
		}
	}
	defer func() {
		if closeErr := resp.Body.Close(); nil != closeErr {
			flawP["err_debug_tree"] = errutil.Tree(closeErr).FlawP()
			closeErr = flaw.From(fmt.Errorf("failed to close response body: %v", closeErr)).Append(flawP)
			switch {
			case nil == err:
				err = closeErr
			case errutil.IsFlaw(err):
				err = must.BeFlaw(err).Join(closeErr)
			default:
				err = flaw.From(errors.New("decrypt request failed")).Join(closeErr)
			}
		}
	}()
	flawP["response"] = errutil.HTTPResponseFlawPayload(resp)

	if resp.StatusCode != http.StatusOK {
		respBytes, err := httputil.ReadOptionalResponseBody(ctx, resp)
		if nil != err {
			return nil, err
		}
		flawP["response_body"] = string(respBytes)
		return nil, flaw.From(fmt.Errorf("unexpected status code: %d", resp.StatusCode)).Append(flawP)
	}

	respBytes, err := httputil.ReadResponseBody(ctx, resp)
	if nil != err {
		return nil, err
	}
	return respBytes, nil
}
