package cache_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xeptore/coral/cache"
)

func TestNSOVersionCache(t *testing.T) {
	t.Parallel()

	t.Run("cold_cache_invokes_fetch_once", func(t *testing.T) {
		t.Parallel()

		c := cache.New()
		var fetches int
		fetch := func() (string, error) {
			fetches++
			return "2.10.1", nil
		}

		version, err := c.NSOVersion.Fetch(time.Minute, fetch)
		require.NoError(t, err)
		assert.Equal(t, "2.10.1", version)

		version, err = c.NSOVersion.Fetch(time.Minute, fetch)
		require.NoError(t, err)
		assert.Equal(t, "2.10.1", version)
		assert.Equal(t, 1, fetches)
	})

	t.Run("fetch_failure_propagates", func(t *testing.T) {
		t.Parallel()

		c := cache.New()
		fetchErr := errors.New("remote config unreachable")
		_, err := c.NSOVersion.Fetch(time.Minute, func() (string, error) { return "", fetchErr })
		require.ErrorIs(t, err, fetchErr)
	})

	t.Run("primed_cache_skips_fetch", func(t *testing.T) {
		t.Parallel()

		c := cache.New()
		c.NSOVersion.Set("2.9.0", time.Minute)

		version, err := c.NSOVersion.Fetch(time.Minute, func() (string, error) {
			t.Fatal("fetch must not run on a primed cache")
			return "", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "2.9.0", version)
	})
}
