// Package realtimestore defines the persistence collaborators consumed by the
// realtime subsystem: hierarchy parent lookups, board membership checks, and
// identity lookups. The rest of the application owns the schema; this package
// only reads it.
package realtimestore

import "context"

// Lookup walks parent links in the workspace → board → column → card
// hierarchy. Implementations return "" (and no error) when the row does not
// exist, so callers can treat unknown entities as unroutable rather than
// failing.
type Lookup interface {
	// BoardWorkspace returns the workspace id owning the given board.
	BoardWorkspace(ctx context.Context, boardID string) (string, error)
	// ColumnBoard returns the board id owning the given column.
	ColumnBoard(ctx context.Context, columnID string) (string, error)
	// CardColumn returns the column id owning the given card.
	CardColumn(ctx context.Context, cardID string) (string, error)
}

// Authorizer reports whether a user may read a board: either the user is a
// member of the board or holds the global admin capability.
type Authorizer interface {
	HasBoardAccess(ctx context.Context, userID, boardID string) (bool, error)
}

// Identities resolves authenticated user ids to stored identities.
type Identities interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// Store is the full persistence surface the realtime subsystem needs.
type Store interface {
	Lookup
	Authorizer
	Identities
}
