// Package store persists the credential state of a single account as one
// JSON file. The nso.Cache is its only writer.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/coral/errutil"
	"github.com/xeptore/coral/must"
)

const credsFileName = "credentials.json"

type CredsFile string

func (f CredsFile) path() string {
	return string(f)
}

func CredsFileFrom(dir string) CredsFile {
	return CredsFile(filepath.Join(dir, credsFileName))
}

type Content struct {
	SessionToken                string `json:"session_token"`
	GameServiceToken            string `json:"gameServiceToken"`
	GameServiceTokenRefreshTime int64  `json:"gameServiceTokenRefreshTime"`
	NSOVersion                  string `json:"NSOVersion"`
	FAPILastRequestTime         int64  `json:"fapiLastRequestTime"`
	FAPIRequestIntervalMS       int64  `json:"fapiRequestInterval"`
}

func (f CredsFile) Read() (c *Content, err error) {
	file, err := os.OpenFile(f.path(), os.O_RDONLY, 0o0600)
	if nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to open credentials file: %v", err)).Append(flawP)
	}
	defer func() {
		if closeErr := file.Close(); nil != closeErr {
			flawP := flaw.P{"err_debug_tree": errutil.Tree(closeErr).FlawP()}
			closeErr = flaw.From(fmt.Errorf("failed to close credentials file: %v", closeErr)).Append(flawP)
			switch {
			case nil == err:
				err = closeErr
			default:
				err = must.BeFlaw(err).Join(closeErr)
			}
		}
	}()

	if err := json.NewDecoder(file).Decode(&c); nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to decode credentials file: %v", err)).Append(flawP)
	}

	return c, nil
}

func (f CredsFile) Write(c Content) (err error) {
	file, err := os.OpenFile(f.path(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_SYNC, 0o0600)
	if nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to open credentials file: %v", err)).Append(flawP)
	}
	defer func() {
		if closeErr := file.Close(); nil != closeErr {
			flawP := flaw.P{"err_debug_tree": errutil.Tree(closeErr).FlawP()}
			closeErr = flaw.From(fmt.Errorf("failed to close credentials file: %v", closeErr)).Append(flawP)
			if nil != err {
				err = must.BeFlaw(err).Join(closeErr)
			} else {
				err = closeErr
			}
		}
	}()

	if err := json.NewEncoder(file).Encode(c); nil != err {
		flawP := flaw.P{"err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to encode credentials file: %v", err)).Append(flawP)
	}
	return nil
}
