package realtimeaccess

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tj/assert"
)

type countingAuthorizer struct {
	calls   atomic.Int64
	allowed bool
	err     error
}

func (a *countingAuthorizer) HasBoardAccess(ctx context.Context, userID, boardID string) (bool, error) {
	a.calls.Add(1)
	return a.allowed, a.err
}

func TestHasAccess(t *testing.T) {
	ctx := context.Background()

	t.Run("caches fresh results", func(t *testing.T) {
		auth := &countingAuthorizer{allowed: true}
		c := New(auth, zerolog.Nop())

		allowed, err := c.HasAccess(ctx, "u1", "b1", false)
		assert.NoError(t, err)
		assert.True(t, allowed)

		allowed, err = c.HasAccess(ctx, "u1", "b1", false)
		assert.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, int64(1), auth.calls.Load())
	})

	t.Run("stale entries are re-checked", func(t *testing.T) {
		auth := &countingAuthorizer{allowed: true}
		now := time.Now()
		c := New(auth, zerolog.Nop(), WithTTL(5*time.Second), WithClock(func() time.Time { return now }))

		_, err := c.HasAccess(ctx, "u1", "b1", false)
		assert.NoError(t, err)

		now = now.Add(6 * time.Second)
		_, err = c.HasAccess(ctx, "u1", "b1", false)
		assert.NoError(t, err)
		assert.Equal(t, int64(2), auth.calls.Load())
	})

	t.Run("forceRefresh bypasses a fresh entry", func(t *testing.T) {
		auth := &countingAuthorizer{allowed: true}
		c := New(auth, zerolog.Nop())

		_, err := c.HasAccess(ctx, "u1", "b1", false)
		assert.NoError(t, err)
		auth.allowed = false

		allowed, err := c.HasAccess(ctx, "u1", "b1", true)
		assert.NoError(t, err)
		assert.False(t, allowed)
		assert.Equal(t, int64(2), auth.calls.Load())
	})

	t.Run("authorizer errors are not cached", func(t *testing.T) {
		auth := &countingAuthorizer{err: errors.New("db down")}
		c := New(auth, zerolog.Nop())

		_, err := c.HasAccess(ctx, "u1", "b1", false)
		assert.Error(t, err)

		auth.err = nil
		auth.allowed = true
		allowed, err := c.HasAccess(ctx, "u1", "b1", false)
		assert.NoError(t, err)
		assert.True(t, allowed)
	})
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()

	t.Run("single user", func(t *testing.T) {
		auth := &countingAuthorizer{allowed: true}
		c := New(auth, zerolog.Nop())

		_, _ = c.HasAccess(ctx, "u1", "b1", false)
		_, _ = c.HasAccess(ctx, "u2", "b1", false)
		c.Invalidate("u1", "b1")

		_, _ = c.HasAccess(ctx, "u1", "b1", false)
		assert.Equal(t, int64(3), auth.calls.Load())

		_, _ = c.HasAccess(ctx, "u2", "b1", false)
		assert.Equal(t, int64(3), auth.calls.Load())
	})

	t.Run("wildcard drops every user of the board", func(t *testing.T) {
		auth := &countingAuthorizer{allowed: true}
		c := New(auth, zerolog.Nop())

		_, _ = c.HasAccess(ctx, "u1", "b1", false)
		_, _ = c.HasAccess(ctx, "u2", "b1", false)
		_, _ = c.HasAccess(ctx, "u3", "b2", false)
		c.Invalidate(Wildcard, "b1")

		_, _ = c.HasAccess(ctx, "u1", "b1", false)
		_, _ = c.HasAccess(ctx, "u2", "b1", false)
		assert.Equal(t, int64(5), auth.calls.Load())

		_, _ = c.HasAccess(ctx, "u3", "b2", false)
		assert.Equal(t, int64(5), auth.calls.Load())
	})
}
