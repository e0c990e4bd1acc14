package nso

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/xeptore/flaw/v8"
	"gopkg.in/matryer/try.v1"

	"github.com/xeptore/coral/config"
	"github.com/xeptore/coral/errutil"
	"github.com/xeptore/coral/httputil"
	"github.com/xeptore/coral/must"
	"github.com/xeptore/coral/nso/fapi"
	"github.com/xeptore/coral/ptr"
)

// Stage is a human-readable label of the login flow's current step. Each
// stage is reported at most once per flow run.
type Stage string

const (
	StageFetchingSessionToken      Stage = "Fetching session token"
	StageFetchingLoginToken        Stage = "Fetching login token"
	StageFetchingUserProfile       Stage = "Fetching user profile"
	StageFetchingAuthToken         Stage = "Fetching f-value service token"
	StageEnsuringVersion           Stage = "Checking NSO client version"
	StageGeneratingAccountLoginF   Stage = "Signing account login request"
	StageRequestingLogin           Stage = "Logging in to coral"
	StageDecryptingLoginResult     Stage = "Decrypting login result"
	StageGeneratingWebServiceF     Stage = "Signing web service token request"
	StageRequestingWebServiceToken Stage = "Fetching web service token"
	StageDecryptingWebServiceToken Stage = "Decrypting web service token"
	StageSuccess                   Stage = "Done"
	StageFailed                    Stage = "Login failed"
)

// ProgressSink receives stage labels for display. Sink failures are logged
// and never affect the flow.
type ProgressSink interface {
	Update(stage Stage) error
}

type nopSink struct{}

func (nopSink) Update(Stage) error { return nil }

// Flow is the login orchestrator. It owns all in-flight flow state; nothing
// is persisted here — callers persist through the Cache only after the whole
// flow succeeded.
type Flow struct {
	logger       zerolog.Logger
	accounts     *Accounts
	fapi         *fapi.Client
	opener       Opener
	progress     ProgressSink
	coralBaseURL string
}

func NewFlow(logger zerolog.Logger, accounts *Accounts, fapiClient *fapi.Client, opener Opener, progress ProgressSink) *Flow {
	if progress == nil {
		progress = nopSink{}
	}
	return &Flow{
		logger:       logger,
		accounts:     accounts,
		fapi:         fapiClient,
		opener:       opener,
		progress:     progress,
		coralBaseURL: coralBaseURL,
	}
}

// WithCoralBaseURL points the coral calls at a different host. Tests use it
// to target a local double.
func (f *Flow) WithCoralBaseURL(baseURL string) *Flow {
	f.coralBaseURL = baseURL
	return f
}

func (f *Flow) emit(stage Stage) {
	if err := f.progress.Update(stage); nil != err {
		f.logger.Debug().Err(err).Str("stage", string(stage)).Msg("Progress sink rejected update")
	}
}

// Login runs the interactive authorization and exchanges its session token
// code. The session token is returned, not persisted; persistence is the
// caller's concern.
func (f *Flow) Login(ctx context.Context) (string, error) {
	f.emit(StageFetchingSessionToken)

	authorization := NewAuthorization()
	code, err := authorization.Await(ctx, f.opener)
	if nil != err {
		f.emit(StageFailed)
		return "", err
	}

	sessionToken, err := f.accounts.ExchangeSessionTokenCode(ctx, authorization.Verifier, code)
	if nil != err {
		f.emit(StageFailed)
		return "", err
	}
	return sessionToken, nil
}

// FullLogin executes the whole credential chain from an existing session
// token. A rejected game service token triggers exactly one retry of the
// entire fetch; every other failure surfaces immediately.
func (f *Flow) FullLogin(ctx context.Context, sessionToken string) (creds *Credentials, err error) {
	err = try.Do(func(attempt int) (retry bool, err error) {
		attemptRemained := attempt < config.LoginMaxAttempts
		creds, err = f.fullLogin(ctx, sessionToken)
		if nil != err {
			if ctxErr, ok := errutil.IsAny(err, context.Canceled, context.DeadlineExceeded); ok {
				return false, ctxErr
			}
			if errors.Is(err, fapi.ErrInvalidGameServiceToken) {
				if attemptRemained {
					f.logger.Warn().Int("attempt", attempt).Msg("Game service token was rejected. Retrying the whole login sequence")
				}
				return attemptRemained, err
			}
			return false, err
		}
		return false, nil
	})
	if nil != err {
		f.emit(StageFailed)
		return nil, err
	}
	f.emit(StageSuccess)
	return creds, nil
}

func (f *Flow) fullLogin(ctx context.Context, sessionToken string) (*Credentials, error) {
	f.emit(StageFetchingLoginToken)
	loginToken, err := f.accounts.ExchangeSessionToken(ctx, sessionToken)
	if nil != err {
		return nil, err
	}

	f.emit(StageFetchingUserProfile)
	user, err := f.accounts.FetchUserProfile(ctx, loginToken.AccessToken)
	if nil != err {
		return nil, err
	}

	f.emit(StageFetchingAuthToken)
	fapiToken, err := f.fapi.AuthToken(ctx)
	if nil != err {
		return nil, err
	}

	f.emit(StageEnsuringVersion)
	version, err := f.fapi.EnsureVersion(ctx, fapiToken)
	if nil != err {
		return nil, err
	}

	f.emit(StageGeneratingAccountLoginF)
	if err := f.fapi.AwaitFloor(ctx); nil != err {
		return nil, err
	}
	loginURL := f.coralBaseURL + "/v3/Account/Login"
	loginF, err := f.fapi.GenerateF(ctx, fapiToken, fapi.StepAccountLogin, loginToken.IDToken, fapi.EncryptTokenRequest{
		URL: loginURL,
		Parameter: map[string]any{
			"f":          "",
			"language":   user.Language,
			"naBirthday": user.Birthday,
			"naCountry":  user.Country,
			"naIdToken":  loginToken.IDToken,
			"requestId":  "",
			"timestamp":  0,
		},
	}, user.ID, "")
	if nil != err {
		return nil, err
	}

	f.emit(StageRequestingLogin)
	encryptedLogin, err := f.postCoral(ctx, loginURL, loginF.EncryptedTokenRequest, "", version, config.CoralLoginRequestTimeout)
	if nil != err {
		return nil, err
	}

	f.emit(StageDecryptingLoginResult)
	loginPlain, err := f.fapi.Decrypt(ctx, fapiToken, encryptedLogin)
	if nil != err {
		return nil, err
	}
	loginResult, err := decodeLoginResult(loginPlain)
	if nil != err {
		return nil, err
	}

	// The second f generation hard-depends on the coral user id decrypted out
	// of the login result; it must never start earlier.
	f.emit(StageGeneratingWebServiceF)
	if err := f.fapi.AwaitFloor(ctx); nil != err {
		return nil, err
	}
	webServiceURL := f.coralBaseURL + "/v4/Game/GetWebServiceToken"
	webServiceF, err := f.fapi.GenerateF(ctx, fapiToken, fapi.StepWebServiceToken, loginResult.WebAPIServerCredential.AccessToken, fapi.EncryptTokenRequest{
		URL: webServiceURL,
		Parameter: map[string]any{
			"f":                 "",
			"registrationToken": "",
			"id":                GameServiceID,
			"requestId":         "",
			"timestamp":         0,
		},
	}, user.ID, strconv.FormatInt(loginResult.User.ID, 10))
	if nil != err {
		return nil, err
	}

	f.emit(StageRequestingWebServiceToken)
	encryptedToken, err := f.postCoral(ctx, webServiceURL, webServiceF.EncryptedTokenRequest, loginResult.WebAPIServerCredential.AccessToken, version, config.WebServiceTokenRequestTimeout)
	if nil != err {
		return nil, err
	}

	f.emit(StageDecryptingWebServiceToken)
	tokenPlain, err := f.fapi.Decrypt(ctx, fapiToken, encryptedToken)
	if nil != err {
		return nil, err
	}
	webServiceToken, err := decodeWebServiceToken(tokenPlain)
	if nil != err {
		return nil, err
	}

	return &Credentials{
		SessionToken:    sessionToken,
		LoginToken:      *loginToken,
		User:            *user,
		LoginResult:     *loginResult,
		WebServiceToken: *webServiceToken,
	}, nil
}

// postCoral sends the encrypted token request byte-exact as the request body
// and returns the raw (still encrypted) response body.
func (f *Flow) postCoral(ctx context.Context, reqURL string, body []byte, bearerToken, version string, timeout time.Duration) (respBody []byte, err error) {
	flawP := flaw.P{"url": reqURL, "body_len": len(body)}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if nil != err {
		if errutil.IsContext(ctx) {
			return nil, ctx.Err()
		}
		flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
		return nil, flaw.From(fmt.Errorf("failed to create coral request: %v", err)).Append(flawP)
	}
	req.Header.Add("Content-Type", "application/json; charset=utf-8")
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "com.nintendo.znca/"+version+" (Android/11)")
	req.Header.Add("X-Platform", "Android")
	req.Header.Add("X-ProductVersion", version)
	if bearerToken != "" {
		req.Header.Add("Authorization", "Bearer "+bearerToken)
	}

	client := http.Client{Timeout: timeout} //nolint:exhaustruct
	resp, err := client.Do(req)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		default:
			flawP["err_debug_tree"] = errutil.Tree(err).FlawP()
			return nil, flaw.From(fmt.Errorf("failed to issue coral request: %v", err)).Append(flawP)
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
				err = flaw.From(errors.New("coral request failed")).Join(closeErr)
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

func decodeLoginResult(plain []byte) (*LoginResult, error) {
	if expired, err := httputil.IsCoralTokenExpiredResponse(plain); nil != err {
		return nil, err
	} else if expired {
		return nil, fapi.ErrInvalidGameServiceToken
	}

	var envelope struct {
		Status int         `json:"status"`
		Result LoginResult `json:"result"`
	}
	if err := json.Unmarshal(plain, &envelope); nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to decode login result: %v", err)).Append(flawP)
	}
	if envelope.Status != 0 {
		flawP := flaw.P{"coral_status": envelope.Status}
		return nil, flaw.From(fmt.Errorf("coral login failed with status %d", envelope.Status)).Append(flawP)
	}
	if envelope.Result.WebAPIServerCredential.AccessToken == "" {
		return nil, flaw.From(errors.New("login result is missing the web API server credential"))
	}
	return &envelope.Result, nil
}

func decodeWebServiceToken(plain []byte) (*WebServiceToken, error) {
	if expired, err := httputil.IsCoralTokenExpiredResponse(plain); nil != err {
		return nil, err
	} else if expired {
		return nil, fapi.ErrInvalidGameServiceToken
	}

	var envelope struct {
		Status int `json:"status"`
		Result struct {
			AccessToken string `json:"accessToken"`
			ExpiresIn   int64  `json:"expiresIn"`
		} `json:"result"`
	}
	if err := json.Unmarshal(plain, &envelope); nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to decode web service token: %v", err)).Append(flawP)
	}
	if envelope.Status != 0 {
		flawP := flaw.P{"coral_status": envelope.Status}
		return nil, flaw.From(fmt.Errorf("web service token request failed with status %d", envelope.Status)).Append(flawP)
	}
	if envelope.Result.AccessToken == "" {
		return nil, flaw.From(errors.New("web service token response is missing the access token"))
	}
	return ptr.Of(WebServiceToken{
		AccessToken: envelope.Result.AccessToken,
		ExpiresIn:   envelope.Result.ExpiresIn,
	}), nil
}
