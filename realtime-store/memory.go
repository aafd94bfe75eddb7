package realtimestore

import (
	"context"
	"sync"
	"sync/atomic"
)

// Memory is an in-memory Store used by tests and local development. Lookups
// increments once per hierarchy walk, which lets tests observe cache hits.
type Memory struct {
	Lookups atomic.Int64

	mu         sync.Mutex
	boards     map[string]string // board id → workspace id
	columns    map[string]string // column id → board id
	cards      map[string]string // card id → column id
	members    map[string]map[string]bool
	admins     map[string]bool
	users      map[string]bool
	authorizeE error // forced HasBoardAccess failure, for tests
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		boards:  map[string]string{},
		columns: map[string]string{},
		cards:   map[string]string{},
		members: map[string]map[string]bool{},
		admins:  map[string]bool{},
		users:   map[string]bool{},
	}
}

func (m *Memory) AddUser(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = true
}

func (m *Memory) AddAdmin(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = true
	m.admins[userID] = true
}

func (m *Memory) AddBoard(boardID, workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boards[boardID] = workspaceID
}

func (m *Memory) AddColumn(columnID, boardID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.columns[columnID] = boardID
}

func (m *Memory) AddCard(cardID, columnID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cards[cardID] = columnID
}

func (m *Memory) AddMember(boardID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[userID] = true
	if m.members[boardID] == nil {
		m.members[boardID] = map[string]bool{}
	}
	m.members[boardID][userID] = true
}

func (m *Memory) RemoveMember(boardID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[boardID], userID)
}

// FailAuthorization makes every HasBoardAccess call return err until reset
// with nil.
func (m *Memory) FailAuthorization(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authorizeE = err
}

func (m *Memory) BoardWorkspace(ctx context.Context, boardID string) (string, error) {
	m.Lookups.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.boards[boardID], nil
}

func (m *Memory) ColumnBoard(ctx context.Context, columnID string) (string, error) {
	m.Lookups.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.columns[columnID], nil
}

func (m *Memory) CardColumn(ctx context.Context, cardID string) (string, error) {
	m.Lookups.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cards[cardID], nil
}

func (m *Memory) HasBoardAccess(ctx context.Context, userID, boardID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authorizeE != nil {
		return false, m.authorizeE
	}
	return m.members[boardID][userID] || m.admins[userID], nil
}

func (m *Memory) UserExists(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID], nil
}
