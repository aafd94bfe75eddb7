// Package realtimehierarchy resolves a changed entity to its owning workspace
// id by walking the workspace → board → column → card containment chain, with
// a TTL cache that is backfilled transitively: resolving a card also caches
// its column and board.
package realtimehierarchy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	realtimestore "github.com/flowdeck/flowdeck-realtime/realtime-store"
)

const DefaultTTL = 30 * time.Second

// Ref carries whatever identifying ids the change record provided. Zero
// fields mean "unknown".
type Ref struct {
	WorkspaceID string
	BoardID     string
	ColumnID    string
	CardID      string
}

type entry struct {
	workspaceID string
	storedAt    time.Time
}

// Resolver maps entity refs to workspace ids.
type Resolver struct {
	store  realtimestore.Lookup
	logger zerolog.Logger
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]entry // "board:<id>" / "column:<id>" / "card:<id>" → workspace id
}

func New(store realtimestore.Lookup, logger zerolog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		store:  store,
		logger: logger,
		ttl:    DefaultTTL,
		now:    time.Now,
		cache:  map[string]entry{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type Option func(*Resolver)

func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) { r.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WorkspaceID resolves the owning workspace of ref. It returns "" when no
// identifying id is available or nothing matches; callers route such events
// to the global channel rather than treating it as an error.
func (r *Resolver) WorkspaceID(ctx context.Context, ref Ref) string {
	if ref.WorkspaceID != "" {
		return ref.WorkspaceID
	}
	if ref.BoardID != "" {
		return r.fromBoard(ctx, ref.BoardID)
	}
	if ref.ColumnID != "" {
		return r.fromColumn(ctx, ref.ColumnID)
	}
	if ref.CardID != "" {
		return r.fromCard(ctx, ref.CardID)
	}
	return ""
}

func (r *Resolver) fromBoard(ctx context.Context, boardID string) string {
	if ws, ok := r.get("board:" + boardID); ok {
		return ws
	}
	ws, err := r.store.BoardWorkspace(ctx, boardID)
	if err != nil {
		r.logger.Warn().Err(err).Str("board_id", boardID).Msg("board workspace lookup failed")
		return ""
	}
	if ws != "" {
		r.put("board:"+boardID, ws)
	}
	return ws
}

func (r *Resolver) fromColumn(ctx context.Context, columnID string) string {
	if ws, ok := r.get("column:" + columnID); ok {
		return ws
	}
	boardID, err := r.store.ColumnBoard(ctx, columnID)
	if err != nil {
		r.logger.Warn().Err(err).Str("column_id", columnID).Msg("column board lookup failed")
		return ""
	}
	if boardID == "" {
		return ""
	}
	ws := r.fromBoard(ctx, boardID)
	if ws != "" {
		r.put("column:"+columnID, ws)
	}
	return ws
}

func (r *Resolver) fromCard(ctx context.Context, cardID string) string {
	if ws, ok := r.get("card:" + cardID); ok {
		return ws
	}
	columnID, err := r.store.CardColumn(ctx, cardID)
	if err != nil {
		r.logger.Warn().Err(err).Str("card_id", cardID).Msg("card column lookup failed")
		return ""
	}
	if columnID == "" {
		return ""
	}
	ws := r.fromColumn(ctx, columnID)
	if ws != "" {
		r.put("card:"+cardID, ws)
	}
	return ws
}

func (r *Resolver) get(key string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[key]
	if !ok || r.now().Sub(e.storedAt) > r.ttl {
		return "", false
	}
	return e.workspaceID, true
}

func (r *Resolver) put(key, workspaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = entry{workspaceID: workspaceID, storedAt: r.now()}
}
