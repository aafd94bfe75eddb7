// Package realtimeaccess memoizes board access checks so every broadcast does
// not hit the database, while keeping the window for stale results narrow: a
// short TTL, explicit whole-board invalidation on membership changes, and a
// forced refresh for the event kinds where staleness would leak data.
package realtimeaccess

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	flowdeckcli "github.com/flowdeck/flowdeck-realtime/flowdeck-cli"
	realtimestore "github.com/flowdeck/flowdeck-realtime/realtime-store"
)

const DefaultTTL = 5 * time.Second

// Wildcard matches every user of a board in Invalidate.
const Wildcard = "*"

type entry struct {
	allowed  bool
	storedAt time.Time
}

// Cache memoizes Authorizer results per (user, board) pair.
type Cache struct {
	auth    realtimestore.Authorizer
	logger  zerolog.Logger
	metrics flowdeckcli.Metrics
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]map[string]entry // board id → user id → entry
}

func New(auth realtimestore.Authorizer, logger zerolog.Logger, opts ...Option) *Cache {
	c := &Cache{
		auth:    auth,
		logger:  logger,
		ttl:     DefaultTTL,
		now:     time.Now,
		entries: map[string]map[string]entry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) { c.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func WithMetrics(metrics flowdeckcli.Metrics) Option {
	return func(c *Cache) { c.metrics = metrics }
}

// HasAccess returns the cached result when it is fresh and forceRefresh is
// false; otherwise it asks the authorizer and stores the outcome.
func (c *Cache) HasAccess(ctx context.Context, userID, boardID string, forceRefresh bool) (bool, error) {
	if !forceRefresh {
		c.mu.Lock()
		e, ok := c.entries[boardID][userID]
		fresh := ok && c.now().Sub(e.storedAt) <= c.ttl
		c.mu.Unlock()
		if fresh {
			return e.allowed, nil
		}
	}

	allowed, err := c.auth.HasBoardAccess(ctx, userID, boardID)
	if err != nil {
		c.metrics.Event(ctx, flowdeckcli.AccessCheckMetric, map[flowdeckcli.DimensionName]string{
			flowdeckcli.OutcomeDimension: "error",
		})
		return false, err
	}

	c.mu.Lock()
	if c.entries[boardID] == nil {
		c.entries[boardID] = map[string]entry{}
	}
	c.entries[boardID][userID] = entry{allowed: allowed, storedAt: c.now()}
	c.mu.Unlock()

	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	c.metrics.Event(ctx, flowdeckcli.AccessCheckMetric, map[flowdeckcli.DimensionName]string{
		flowdeckcli.OutcomeDimension: outcome,
	})
	return allowed, nil
}

// Invalidate drops the entry for (userID, boardID). Passing Wildcard as the
// user id drops every entry for the board; membership mutations must do this
// synchronously before any broadcast for the mutation is attempted.
func (c *Cache) Invalidate(userID, boardID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Debug().Str("user_id", userID).Str("board_id", boardID).Msg("invalidating access cache")
	if userID == Wildcard {
		delete(c.entries, boardID)
		return
	}
	delete(c.entries[boardID], userID)
}
