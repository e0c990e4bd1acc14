package ctxutil_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xeptore/coral/ctxutil"
)

func TestWithDelayedTimeout(t *testing.T) {
	t.Parallel()

	t.Run("initially_active", func(t *testing.T) {
		t.Parallel()

		parentCtx, parentCancel := context.WithCancel(context.Background())
		defer parentCancel()

		ctx, cancel := ctxutil.WithDelayedTimeout(parentCtx, 2*time.Second)
		defer cancel()

		select {
		case <-ctx.Done():
			assert.Fail(t, "expected returned context to be active initially")
		default:
		}
	})

	t.Run("stays_active_right_after_parent_cancellation", func(t *testing.T) {
		t.Parallel()

		parentCtx, parentCancel := context.WithCancel(context.Background())
		defer parentCancel()

		ctx, cancel := ctxutil.WithDelayedTimeout(parentCtx, 2*time.Second)
		defer cancel()

		parentCancel()

		select {
		case <-ctx.Done():
			assert.Fail(t, "expected returned context to remain active immediately after parent cancellation")
		default:
		}
	})

	t.Run("cancels_after_delay", func(t *testing.T) {
		t.Parallel()

		parentCtx, parentCancel := context.WithCancel(context.Background())
		defer parentCancel()

		ctx, cancel := ctxutil.WithDelayedTimeout(parentCtx, 50*time.Millisecond)
		defer cancel()

		parentCancel()

		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
			assert.Fail(t, "expected returned context to be canceled after the delay")
		}
	})
}
