// Package realtimeevents turns database change notifications into broadcast
// events: it classifies the mutated table, resolves the owning workspace,
// computes the target channel set, and builds full or differential payloads.
package realtimeevents

import (
	"bytes"
	"context"
	"encoding/json"

	realtimehierarchy "github.com/flowdeck/flowdeck-realtime/realtime-hierarchy"
)

// Op is the kind of mutation a change event describes.
type Op string

const (
	OpInsert Op = "INSERT"
	OpUpdate Op = "UPDATE"
	OpDelete Op = "DELETE"
	OpCustom Op = "CUSTOM"
)

// Record is a row snapshot as handed over by the persistence layer.
type Record map[string]any

func (r Record) str(key string) string {
	s, _ := r[key].(string)
	return s
}

// Change is a single database mutation, constructed per commit and consumed
// exactly once by the router.
type Change struct {
	Table   string `json:"table"`
	Op      Op     `json:"op"`
	New     Record `json:"new,omitempty"`
	Old     Record `json:"old,omitempty"`
	BoardID string `json:"boardId,omitempty"` // hint for tables that do not carry one
}

// record returns the snapshot the routing metadata should be read from.
func (c Change) record() Record {
	if c.Op == OpDelete || c.New == nil {
		return c.Old
	}
	return c.New
}

// Event is one broadcast-ready message addressed to a single channel.
type Event struct {
	Op      Op
	Table   string
	Channel string
	BoardID string // non-empty events are access-gated per recipient
	Payload map[string]any
}

// Broadcaster delivers an event to the live subscribers of its channel.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev Event)
}

// TableKind is the closed set of entity tables the router understands.
// Unknown tables route to the global channel only.
type TableKind int

const (
	KindUnknown TableKind = iota
	KindWorkspace
	KindBoard
	KindColumn
	KindCard
	KindCardDetail
	KindBoardMember
	KindWorkspaceMember
)

// KindFor classifies a table name. Card satellite tables (comments, labels,
// attachments and friends) all share the card_ prefix.
func KindFor(table string) TableKind {
	switch table {
	case "workspaces":
		return KindWorkspace
	case "boards":
		return KindBoard
	case "columns":
		return KindColumn
	case "cards":
		return KindCard
	case "board_members", "boardMembers":
		return KindBoardMember
	case "workspace_members", "workspaceMembers":
		return KindWorkspaceMember
	}
	if len(table) > len("card_") && table[:len("card_")] == "card_" {
		return KindCardDetail
	}
	return KindUnknown
}

// meta is the routing metadata derived from a change record.
type meta struct {
	entityID   string
	entityType string
	parentID   string
	ref        realtimehierarchy.Ref
	userID     string // non-empty adds a user:<id> channel
	global     bool   // also broadcast on the global channel
}

// metaFor derives routing metadata with one exhaustive dispatch over the
// table kinds, so adding a kind without handling it here fails to compile.
func metaFor(kind TableKind, table string, rec Record, boardIDHint string) meta {
	var m meta
	switch kind {
	case KindWorkspace:
		m = meta{
			entityID:   rec.str("id"),
			entityType: "workspace",
			ref:        realtimehierarchy.Ref{WorkspaceID: rec.str("id")},
			userID:     rec.str("ownerId"),
			global:     true,
		}
	case KindBoard:
		m = meta{
			entityID:   rec.str("id"),
			entityType: "board",
			parentID:   rec.str("workspaceId"),
			ref: realtimehierarchy.Ref{
				WorkspaceID: rec.str("workspaceId"),
				BoardID:     rec.str("id"),
			},
		}
	case KindColumn:
		m = meta{
			entityID:   rec.str("id"),
			entityType: "column",
			parentID:   rec.str("boardId"),
			ref: realtimehierarchy.Ref{
				BoardID:  rec.str("boardId"),
				ColumnID: rec.str("id"),
			},
		}
	case KindCard:
		m = meta{
			entityID:   rec.str("id"),
			entityType: "card",
			parentID:   rec.str("columnId"),
			ref: realtimehierarchy.Ref{
				BoardID:  rec.str("boardId"),
				ColumnID: rec.str("columnId"),
				CardID:   rec.str("id"),
			},
		}
	case KindCardDetail:
		m = meta{
			entityID:   rec.str("id"),
			entityType: "cardDetail",
			parentID:   rec.str("cardId"),
			ref: realtimehierarchy.Ref{
				BoardID: rec.str("boardId"),
				CardID:  rec.str("cardId"),
			},
		}
	case KindBoardMember:
		m = meta{
			entityID:   rec.str("userId"),
			entityType: "member",
			parentID:   rec.str("boardId"),
			ref:        realtimehierarchy.Ref{BoardID: rec.str("boardId")},
		}
	case KindWorkspaceMember:
		m = meta{
			entityID:   rec.str("userId"),
			entityType: "member",
			parentID:   rec.str("workspaceId"),
			ref:        realtimehierarchy.Ref{WorkspaceID: rec.str("workspaceId")},
			userID:     rec.str("userId"),
			global:     true,
		}
	case KindUnknown:
		m = meta{
			entityID:   rec.str("id"),
			entityType: table,
		}
	}
	if m.ref.BoardID == "" {
		m.ref.BoardID = boardIDHint
	}
	return m
}

// ChangedFields returns the fields whose JSON-serialized value differs
// between the two snapshots, carrying the new-side value. A field present on
// only one side counts as changed.
func ChangedFields(oldRec, newRec Record) Record {
	changed := Record{}
	for key, newValue := range newRec {
		oldValue, ok := oldRec[key]
		if !ok || !jsonEqual(oldValue, newValue) {
			changed[key] = newValue
		}
	}
	for key := range oldRec {
		if _, ok := newRec[key]; !ok {
			changed[key] = nil
		}
	}
	return changed
}

func jsonEqual(a, b any) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
