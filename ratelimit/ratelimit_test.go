package ratelimit_test

import (
	"testing"
	"time"

	"github.com/xeptore/coral/ratelimit"
)

func TestFloor(t *testing.T) {
	t.Parallel()

	t.Run("first_request_allowed", func(t *testing.T) {
		t.Parallel()
		f := ratelimit.NewFloor(10 * time.Second)
		if _, ok := f.Check(); !ok {
			t.Error("expected first request to pass the floor")
		}
	})

	t.Run("second_request_within_interval_rejected", func(t *testing.T) {
		t.Parallel()
		f := ratelimit.NewFloor(10 * time.Second)
		f.Touch()
		remaining, ok := f.Check()
		if ok {
			t.Fatal("expected request within interval to be rejected")
		}
		if remaining <= 0 || remaining > 10*time.Second {
			t.Errorf("expected 0 < remaining <= 10s, got %s", remaining)
		}
	})

	t.Run("request_after_interval_allowed", func(t *testing.T) {
		t.Parallel()
		f := ratelimit.NewFloor(10 * time.Millisecond)
		f.Touch()
		time.Sleep(20 * time.Millisecond)
		if _, ok := f.Check(); !ok {
			t.Error("expected request after interval to pass the floor")
		}
	})

	t.Run("restore_keeps_latest_timestamp", func(t *testing.T) {
		t.Parallel()
		f := ratelimit.NewFloor(time.Hour)
		f.Restore(time.Now().Add(-time.Minute))
		if _, ok := f.Check(); ok {
			t.Error("expected restored floor to reject requests within interval")
		}
		f.Restore(time.Now().Add(-2 * time.Hour))
		if _, ok := f.Check(); ok {
			t.Error("expected older restore not to overwrite newer timestamp")
		}
	})
}
