package httputil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/coral/errutil"
)

func readResponseBody(ctx context.Context, resp *http.Response) ([]byte, error) {
	respBody, err := io.ReadAll(resp.Body)
	if nil != err {
		switch {
		case errors.Is(err, io.EOF):
			return nil, io.EOF
		case errutil.IsContext(ctx):
			return nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			return nil, context.DeadlineExceeded
		default:
			flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
			return nil, flaw.From(fmt.Errorf("failed to read response body: %v", err)).Append(flawP)
		}
	}
	return respBody, nil
}

func ReadResponseBody(ctx context.Context, resp *http.Response) ([]byte, error) {
	respBody, err := readResponseBody(ctx, resp)
	if nil != err {
		if errors.Is(err, io.EOF) {
			return nil, flaw.From(errors.New("unexpected empty response body"))
		}
		return nil, err
	}
	return respBody, nil
}

func ReadOptionalResponseBody(ctx context.Context, resp *http.Response) ([]byte, error) {
	respBody, err := ReadResponseBody(ctx, resp)
	if nil != err && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return respBody, nil
}

// CoralResponseStatus extracts the application-level status code coral
// endpoints embed in their JSON bodies. Status 0 means success, 9404 means
// the game service token has expired.
func CoralResponseStatus(b []byte) (int, error) {
	var body struct {
		Status        int    `json:"status"`
		ErrorMessage  string `json:"errorMessage"`
		CorrelationID string `json:"correlationId"`
	}
	if err := json.Unmarshal(b, &body); nil != err {
		flawP := flaw.P{"response_body": string(b), "err_debug_tree": errutil.Tree(err).FlawP()}
		return 0, flaw.From(fmt.Errorf("failed to decode coral response body: %v", err)).Append(flawP)
	}
	return body.Status, nil
}

func IsCoralTokenExpiredResponse(b []byte) (bool, error) {
	status, err := CoralResponseStatus(b)
	if nil != err {
		return false, err
	}
	return status == 9404, nil
}
