package nso

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/xeptore/coral/config"
	"github.com/xeptore/coral/nso/store"
	"github.com/xeptore/coral/ratelimit"
)

// Cache is the single writer of persisted credential state. All mutations go
// through it and are flushed to the backing file before they are observable.
type Cache struct {
	mux     sync.Mutex
	file    store.CredsFile
	content store.Content
}

// LoadCache reads the persisted state from credsDir. A missing file yields an
// empty cache.
func LoadCache(credsDir string) (*Cache, error) {
	file := store.CredsFileFrom(credsDir)
	content, err := file.Read()
	if nil != err {
		if errors.Is(err, os.ErrNotExist) {
			//nolint:exhaustruct
			return &Cache{file: file, content: store.Content{}}, nil
		}
		return nil, err
	}
	//nolint:exhaustruct
	return &Cache{file: file, content: *content}, nil
}

func (c *Cache) persistLocked() error {
	return c.file.Write(c.content)
}

func (c *Cache) SessionToken() string {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.content.SessionToken
}

func (c *Cache) SetSessionToken(token string) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.content.SessionToken = token
	return c.persistLocked()
}

func (c *Cache) GameServiceToken() (string, time.Time) {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.content.GameServiceToken, time.Unix(c.content.GameServiceTokenRefreshTime, 0)
}

func (c *Cache) SetGameServiceToken(token string, refreshedAt time.Time) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.content.GameServiceToken = token
	c.content.GameServiceTokenRefreshTime = refreshedAt.Unix()
	return c.persistLocked()
}

// IsGameServiceTokenValid reports whether the persisted web service token is
// present and younger than the validity window.
func (c *Cache) IsGameServiceTokenValid(now time.Time) bool {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.content.GameServiceToken == "" {
		return false
	}
	refreshedAt := time.Unix(c.content.GameServiceTokenRefreshTime, 0)
	return now.Sub(refreshedAt) < config.GameServiceTokenTTL
}

func (c *Cache) NSOVersion() string {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.content.NSOVersion
}

func (c *Cache) SetNSOVersion(version string) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.content.NSOVersion = version
	return c.persistLocked()
}

func (c *Cache) LastFAPIRequestTime() time.Time {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.content.FAPILastRequestTime == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.content.FAPILastRequestTime)
}

func (c *Cache) SetLastFAPIRequestTime(t time.Time) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.content.FAPILastRequestTime = t.UnixMilli()
	return c.persistLocked()
}

// FAPIRequestInterval returns the persisted floor interval, falling back to
// the default when the store predates the setting.
func (c *Cache) FAPIRequestInterval() time.Duration {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.content.FAPIRequestIntervalMS <= 0 {
		return ratelimit.DefaultFloorInterval
	}
	return time.Duration(c.content.FAPIRequestIntervalMS) * time.Millisecond
}
