package fapi_test

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/xeptore/coral/cache"
	"github.com/xeptore/coral/config"
	"github.com/xeptore/coral/nso/fapi"
	"github.com/xeptore/coral/ratelimit"
)

func TestMain(m *testing.M) {
	config.FAPITransientRetryWait = time.Millisecond
	os.Exit(m.Run())
}

type fakeStore struct {
	mux             sync.Mutex
	version         string
	lastRequestTime time.Time
}

func (s *fakeStore) NSOVersion() string {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.version
}

func (s *fakeStore) SetNSOVersion(version string) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.version = version
	return nil
}

func (s *fakeStore) SetLastFAPIRequestTime(t time.Time) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.lastRequestTime = t
	return nil
}

func (s *fakeStore) LastFAPIRequestTime() time.Time {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.lastRequestTime
}

func newClient(t *testing.T, baseURL string, floor *ratelimit.Floor, store *fakeStore) *fapi.Client {
	t.Helper()
	caches := cache.New()
	caches.NSOVersion.Set("2.10.1", cache.DefaultNSOVersionTTL)
	return fapi.NewClient(zerolog.Nop(), baseURL, floor, caches, store)
}

func TestAuthToken(t *testing.T) {
	t.Parallel()

	t.Run("returns_token", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/auth", r.URL.Path)
			_, err := w.Write([]byte(`{"token":"fapi-token"}`))
			assert.NoError(t, err)
		}))
		defer srv.Close()

		client := newClient(t, srv.URL, ratelimit.NewFloor(time.Nanosecond), &fakeStore{}) //nolint:exhaustruct
		token, err := client.AuthToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "fapi-token", token)
	})

	t.Run("retries_transient_failure_once", func(t *testing.T) {
		t.Parallel()

		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if hits.Add(1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_, err := w.Write([]byte(`{"token":"fapi-token"}`))
			assert.NoError(t, err)
		}))
		defer srv.Close()

		client := newClient(t, srv.URL, ratelimit.NewFloor(time.Nanosecond), &fakeStore{}) //nolint:exhaustruct
		token, err := client.AuthToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "fapi-token", token)
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("persistent_failure_is_a_service_failure", func(t *testing.T) {
		t.Parallel()

		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := newClient(t, srv.URL, ratelimit.NewFloor(time.Nanosecond), &fakeStore{}) //nolint:exhaustruct
		_, err := client.AuthToken(context.Background())
		require.ErrorIs(t, err, fapi.ErrService)
		assert.Equal(t, int32(2), hits.Load())
	})
}

func TestEnsureVersion(t *testing.T) {
	t.Parallel()

	t.Run("fetches_remote_config_once_and_persists", func(t *testing.T) {
		t.Parallel()

		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/config", r.URL.Path)
			assert.Equal(t, "Bearer fapi-token", r.Header.Get("Authorization"))
			hits.Add(1)
			_, err := w.Write([]byte(`{"nso_version":"2.11.0","warnings":[]}`))
			assert.NoError(t, err)
		}))
		defer srv.Close()

		store := &fakeStore{} //nolint:exhaustruct
		caches := cache.New()
		client := fapi.NewClient(zerolog.Nop(), srv.URL, ratelimit.NewFloor(time.Nanosecond), caches, store)

		version, err := client.EnsureVersion(context.Background(), "fapi-token")
		require.NoError(t, err)
		assert.Equal(t, "2.11.0", version)
		assert.Equal(t, "2.11.0", store.NSOVersion())

		version, err = client.EnsureVersion(context.Background(), "fapi-token")
		require.NoError(t, err)
		assert.Equal(t, "2.11.0", version)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("falls_back_to_persisted_version", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		store := &fakeStore{version: "2.9.0"} //nolint:exhaustruct
		caches := cache.New()
		client := fapi.NewClient(zerolog.Nop(), srv.URL, ratelimit.NewFloor(time.Nanosecond), caches, store)

		version, err := client.EnsureVersion(context.Background(), "fapi-token")
		require.NoError(t, err)
		assert.Equal(t, "2.9.0", version)
	})
}

func TestGenerateF(t *testing.T) {
	t.Parallel()

	t.Run("rate_floor_rejects_without_touching_the_network", func(t *testing.T) {
		t.Parallel()

		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		floor := ratelimit.NewFloor(time.Hour)
		floor.Touch()
		client := newClient(t, srv.URL, floor, &fakeStore{}) //nolint:exhaustruct

		_, err := client.GenerateF(context.Background(), "fapi-token", fapi.StepAccountLogin, "idt", fapi.EncryptTokenRequest{URL: "https://example.invalid", Parameter: map[string]any{}}, "na-id", "")
		require.ErrorIs(t, err, fapi.ErrTooManyRequests)
		assert.Equal(t, int32(0), hits.Load())
	})

	t.Run("returns_decoded_encrypted_token_request", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/f", r.URL.Path)
			assert.Equal(t, "Bearer fapi-token", r.Header.Get("Authorization"))
			assert.Equal(t, "Android", r.Header.Get("X-znca-Platform"))
			assert.Equal(t, "2.10.1", r.Header.Get("X-znca-Version"))

			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			assert.Equal(t, "1", gjson.GetBytes(body, "hash_method").Str)
			assert.Equal(t, "idt", gjson.GetBytes(body, "token").Str)
			assert.Equal(t, "na-id", gjson.GetBytes(body, "na_id").Str)
			assert.False(t, gjson.GetBytes(body, "coral_user_id").Exists())
			assert.Equal(t, "https://example.invalid/v3/Account/Login", gjson.GetBytes(body, "request.url").Str)

			encrypted := base64.StdEncoding.EncodeToString([]byte("login-blob"))
			_, err = w.Write([]byte(`{"f":"fv","timestamp":1700000000,"request_id":"rid","encrypted_token_request":"` + encrypted + `"}`))
			assert.NoError(t, err)
		}))
		defer srv.Close()

		store := &fakeStore{} //nolint:exhaustruct
		floor := ratelimit.NewFloor(time.Hour)
		client := newClient(t, srv.URL, floor, store)

		res, err := client.GenerateF(context.Background(), "fapi-token", fapi.StepAccountLogin, "idt", fapi.EncryptTokenRequest{
			URL:       "https://example.invalid/v3/Account/Login",
			Parameter: map[string]any{"f": ""},
		}, "na-id", "")
		require.NoError(t, err)
		assert.Equal(t, "fv", res.F)
		assert.Equal(t, int64(1700000000), res.Timestamp)
		assert.Equal(t, "rid", res.RequestID)
		assert.Equal(t, []byte("login-blob"), res.EncryptedTokenRequest)
		assert.Equal(t, "2.10.1", res.NSOVersion)

		// The request reached the network, so the floor must now be closed and
		// the attempt timestamp persisted.
		_, ok := floor.Check()
		assert.False(t, ok)
		assert.False(t, store.LastFAPIRequestTime().IsZero())
	})

	t.Run("includes_coral_user_id_for_step_two", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			assert.Equal(t, "2", gjson.GetBytes(body, "hash_method").Str)
			assert.Equal(t, "9876", gjson.GetBytes(body, "coral_user_id").Str)

			encrypted := base64.StdEncoding.EncodeToString([]byte("token-blob"))
			_, err = w.Write([]byte(`{"f":"fv","timestamp":1700000000,"request_id":"rid","encrypted_token_request":"` + encrypted + `"}`))
			assert.NoError(t, err)
		}))
		defer srv.Close()

		client := newClient(t, srv.URL, ratelimit.NewFloor(time.Nanosecond), &fakeStore{}) //nolint:exhaustruct
		res, err := client.GenerateF(context.Background(), "fapi-token", fapi.StepWebServiceToken, "coral-at", fapi.EncryptTokenRequest{URL: "https://example.invalid", Parameter: map[string]any{}}, "na-id", "9876")
		require.NoError(t, err)
		assert.Equal(t, []byte("token-blob"), res.EncryptedTokenRequest)
	})

	t.Run("unauthorized_means_invalid_game_service_token", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		client := newClient(t, srv.URL, ratelimit.NewFloor(time.Nanosecond), &fakeStore{}) //nolint:exhaustruct
		_, err := client.GenerateF(context.Background(), "fapi-token", fapi.StepAccountLogin, "idt", fapi.EncryptTokenRequest{URL: "https://example.invalid", Parameter: map[string]any{}}, "na-id", "")
		require.ErrorIs(t, err, fapi.ErrInvalidGameServiceToken)
	})

	t.Run("service_rate_limit", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		client := newClient(t, srv.URL, ratelimit.NewFloor(time.Nanosecond), &fakeStore{}) //nolint:exhaustruct
		_, err := client.GenerateF(context.Background(), "fapi-token", fapi.StepAccountLogin, "idt", fapi.EncryptTokenRequest{URL: "https://example.invalid", Parameter: map[string]any{}}, "na-id", "")
		require.ErrorIs(t, err, fapi.ErrTooManyRequests)
	})

	t.Run("unclassified_rejection_carries_diagnostics", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, err := w.Write([]byte(`{"error_message":"bad token request"}`))
			assert.NoError(t, err)
		}))
		defer srv.Close()

		client := newClient(t, srv.URL, ratelimit.NewFloor(time.Nanosecond), &fakeStore{}) //nolint:exhaustruct
		_, err := client.GenerateF(context.Background(), "fapi-token", fapi.StepAccountLogin, "idt", fapi.EncryptTokenRequest{URL: "https://example.invalid", Parameter: map[string]any{}}, "na-id", "")
		respErr := new(fapi.ResponseError)
		require.ErrorAs(t, err, &respErr)
		assert.Equal(t, http.StatusBadRequest, respErr.Code)
		assert.Contains(t, respErr.Body, "bad token request")
	})

	t.Run("missing_encrypted_token_request_is_a_service_failure", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, err := w.Write([]byte(`{"f":"fv","timestamp":1700000000,"request_id":"rid"}`))
			assert.NoError(t, err)
		}))
		defer srv.Close()

		client := newClient(t, srv.URL, ratelimit.NewFloor(time.Nanosecond), &fakeStore{}) //nolint:exhaustruct
		_, err := client.GenerateF(context.Background(), "fapi-token", fapi.StepAccountLogin, "idt", fapi.EncryptTokenRequest{URL: "https://example.invalid", Parameter: map[string]any{}}, "na-id", "")
		require.ErrorIs(t, err, fapi.ErrService)
	})
}

func TestAwaitFloor(t *testing.T) {
	t.Parallel()

	t.Run("waits_out_the_interval", func(t *testing.T) {
		t.Parallel()

		floor := ratelimit.NewFloor(50 * time.Millisecond)
		floor.Touch()
		client := newClient(t, "http://127.0.0.1:0", floor, &fakeStore{}) //nolint:exhaustruct

		start := time.Now()
		require.NoError(t, client.AwaitFloor(context.Background()))
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

		_, ok := floor.Check()
		assert.True(t, ok)
	})

	t.Run("open_floor_returns_immediately", func(t *testing.T) {
		t.Parallel()

		floor := ratelimit.NewFloor(time.Hour)
		client := newClient(t, "http://127.0.0.1:0", floor, &fakeStore{}) //nolint:exhaustruct
		require.NoError(t, client.AwaitFloor(context.Background()))
	})

	t.Run("canceled_context", func(t *testing.T) {
		t.Parallel()

		floor := ratelimit.NewFloor(time.Hour)
		floor.Touch()
		client := newClient(t, "http://127.0.0.1:0", floor, &fakeStore{}) //nolint:exhaustruct

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.ErrorIs(t, client.AwaitFloor(ctx), context.Canceled)
	})
}

func TestDecrypt(t *testing.T) {
	t.Parallel()

	t.Run("returns_plaintext", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/decrypt", r.URL.Path)
			assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			assert.Equal(t, []byte("encrypted"), body)
			_, err = w.Write([]byte(`{"status":0}`))
			assert.NoError(t, err)
		}))
		defer srv.Close()

		client := newClient(t, srv.URL, ratelimit.NewFloor(time.Nanosecond), &fakeStore{}) //nolint:exhaustruct
		plain, err := client.Decrypt(context.Background(), "fapi-token", []byte("encrypted"))
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"status":0}`), plain)
	})

	t.Run("persistent_failure_is_a_service_failure", func(t *testing.T) {
		t.Parallel()

		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			hits.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := newClient(t, srv.URL, ratelimit.NewFloor(time.Nanosecond), &fakeStore{}) //nolint:exhaustruct
		_, err := client.Decrypt(context.Background(), "fapi-token", []byte("encrypted"))
		require.ErrorIs(t, err, fapi.ErrService)
		assert.Equal(t, int32(2), hits.Load())
	})
}
