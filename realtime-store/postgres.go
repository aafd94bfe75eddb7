package realtimestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Store against the application's relational schema.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects a pgx pool and verifies the connection.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) BoardWorkspace(ctx context.Context, boardID string) (string, error) {
	return p.parent(ctx, `SELECT workspace_id FROM boards WHERE id = $1`, boardID)
}

func (p *Postgres) ColumnBoard(ctx context.Context, columnID string) (string, error) {
	return p.parent(ctx, `SELECT board_id FROM columns WHERE id = $1`, columnID)
}

func (p *Postgres) CardColumn(ctx context.Context, cardID string) (string, error) {
	return p.parent(ctx, `SELECT column_id FROM cards WHERE id = $1`, cardID)
}

func (p *Postgres) parent(ctx context.Context, query, id string) (string, error) {
	var parent string
	err := p.pool.QueryRow(ctx, query, id).Scan(&parent)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("looking up parent of %v: %w", id, err)
	}
	return parent, nil
}

func (p *Postgres) HasBoardAccess(ctx context.Context, userID, boardID string) (bool, error) {
	var allowed bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM board_members WHERE board_id = $1 AND user_id = $2)
		    OR EXISTS (SELECT 1 FROM users WHERE id = $2 AND is_admin)`,
		boardID, userID,
	).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("checking board access for user %v on board %v: %w", userID, boardID, err)
	}
	return allowed, nil
}

func (p *Postgres) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("looking up user %v: %w", userID, err)
	}
	return exists, nil
}
