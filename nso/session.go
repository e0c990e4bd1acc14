package nso

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Session keeps the persisted game web service token valid. Concurrent
// refreshes for the same account collapse into one in-flight login whose
// result every caller shares.
type Session struct {
	logger zerolog.Logger
	flow   *Flow
	cache  *Cache
	group  singleflight.Group
}

func NewSession(logger zerolog.Logger, flow *Flow, cache *Cache) *Session {
	//nolint:exhaustruct
	return &Session{
		logger: logger,
		flow:   flow,
		cache:  cache,
	}
}

// EnsureValidCredentials returns the current web service token, refreshing it
// from the cached session token first when its validity window has lapsed.
// It never starts an interactive login: when no session token is persisted it
// fails with ErrInvalidSessionToken and the caller must run Flow.Login.
func (s *Session) EnsureValidCredentials(ctx context.Context) (string, error) {
	if s.cache.IsGameServiceTokenValid(time.Now()) {
		token, _ := s.cache.GameServiceToken()
		return token, nil
	}

	v, err, shared := s.group.Do("credentials", func() (any, error) {
		// A caller that waited on the previous flight may arrive here right
		// after it finished; the fresh token makes a second refresh pointless.
		if s.cache.IsGameServiceTokenValid(time.Now()) {
			token, _ := s.cache.GameServiceToken()
			return token, nil
		}

		sessionToken := s.cache.SessionToken()
		if sessionToken == "" {
			return nil, ErrInvalidSessionToken
		}

		s.logger.Info().Msg("Game service token expired. Refreshing")
		creds, err := s.flow.FullLogin(ctx, sessionToken)
		if nil != err {
			return nil, err
		}
		if err := s.cache.SetGameServiceToken(creds.WebServiceToken.AccessToken, time.Now()); nil != err {
			return nil, err
		}
		return creds.WebServiceToken.AccessToken, nil
	})
	if nil != err {
		return "", err
	}
	if shared {
		s.logger.Debug().Msg("Joined an in-flight credentials refresh")
	}
	return v.(string), nil
}
