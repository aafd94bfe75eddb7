package realtimeevents

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	flowdeckcli "github.com/flowdeck/flowdeck-realtime/flowdeck-cli"
	realtimeaccess "github.com/flowdeck/flowdeck-realtime/realtime-access"
	realtimehierarchy "github.com/flowdeck/flowdeck-realtime/realtime-hierarchy"
)

// Relay forwards locally emitted changes to other instances (the NATS
// bridge). Relayed changes come back through Route on the remote side.
type Relay interface {
	RelayChange(ctx context.Context, change Change)
}

// Router computes the channel set and payload for each change event and fans
// it out through the broadcaster. It is the only caller of the access cache's
// wildcard invalidation.
type Router struct {
	resolver    *realtimehierarchy.Resolver
	access      *realtimeaccess.Cache
	broadcaster Broadcaster
	logger      zerolog.Logger
	metrics     flowdeckcli.Metrics
	relays      []Relay
}

func NewRouter(resolver *realtimehierarchy.Resolver, access *realtimeaccess.Cache, broadcaster Broadcaster, logger zerolog.Logger, metrics flowdeckcli.Metrics) *Router {
	return &Router{
		resolver:    resolver,
		access:      access,
		broadcaster: broadcaster,
		logger:      logger,
		metrics:     metrics,
	}
}

// AddRelay registers a relay for locally emitted changes. Not safe to call
// once events are flowing.
func (r *Router) AddRelay(relay Relay) {
	r.relays = append(r.relays, relay)
}

// EmitDatabaseChange is the API every mutation-performing service calls after
// committing a change. The change is routed locally and forwarded to any
// relays.
func (r *Router) EmitDatabaseChange(ctx context.Context, table string, op Op, newRec, oldRec Record, boardIDHint string) {
	change := Change{
		Table:   table,
		Op:      op,
		New:     newRec,
		Old:     oldRec,
		BoardID: boardIDHint,
	}
	for _, relay := range r.relays {
		relay.RelayChange(ctx, change)
	}
	r.Route(ctx, change)
}

// EmitCustomEvent broadcasts an application-level event (board-removed
// notices and the like) to a single channel, without the access gate.
func (r *Router) EmitCustomEvent(ctx context.Context, channel, eventType string, payload map[string]any) {
	body := map[string]any{"type": eventType}
	for k, v := range payload {
		body[k] = v
	}
	r.broadcaster.Broadcast(ctx, Event{
		Op:      OpCustom,
		Channel: channel,
		Payload: body,
	})
}

// Route fans a single change event out to its channel set. Channels are
// visited in a fixed order: workspace, board, user, global.
func (r *Router) Route(ctx context.Context, change Change) {
	start := time.Now()
	rec := change.record()
	kind := KindFor(change.Table)
	m := metaFor(kind, change.Table, rec, change.BoardID)

	workspaceID := r.resolver.WorkspaceID(ctx, m.ref)
	boardID := m.ref.BoardID

	var channels []string
	if workspaceID != "" {
		channels = append(channels, WorkspaceChannel(workspaceID))
	}
	if boardID != "" {
		channels = append(channels, BoardChannel(boardID))
	}
	if m.userID != "" {
		channels = append(channels, UserChannel(m.userID))
	}
	if m.global {
		channels = append(channels, GlobalChannel)
	}
	if workspaceID == "" && boardID == "" {
		channels = []string{GlobalChannel}
	}

	// The mutation that changes who may see a board must itself be evaluated
	// under fresh membership state by every recipient.
	if kind == KindBoardMember && boardID != "" {
		r.access.Invalidate(realtimeaccess.Wildcard, boardID)
	}

	payload := buildPayload(change, m, workspaceID)
	for _, channel := range channels {
		r.broadcaster.Broadcast(ctx, Event{
			Op:      change.Op,
			Table:   change.Table,
			Channel: channel,
			BoardID: boardID,
			Payload: payload,
		})
	}

	r.logger.Debug().
		Str("table", change.Table).
		Str("op", string(change.Op)).
		Str("entity_id", m.entityID).
		Strs("channels", channels).
		Msg("routed change")
	r.metrics.Timing(ctx, flowdeckcli.RouteTimeMetric, start, map[flowdeckcli.DimensionName]string{
		flowdeckcli.TableDimension: change.Table,
	})
}

// buildPayload shapes the broadcast payload. Updates with both snapshots
// carry only the changed fields (plus both snapshots for older clients);
// deletes carry the prior record; everything else carries both snapshots in
// full.
func buildPayload(change Change, m meta, workspaceID string) map[string]any {
	switch {
	case change.Op == OpUpdate && change.New != nil && change.Old != nil:
		return map[string]any{
			"id":            m.entityID,
			"entityType":    m.entityType,
			"parentId":      m.parentID,
			"workspaceId":   workspaceID,
			"changedFields": ChangedFields(change.Old, change.New),
			"old":           change.Old,
			"new":           change.New,
		}
	case change.Op == OpDelete:
		return map[string]any{
			"id":          m.entityID,
			"entityType":  m.entityType,
			"parentId":    m.parentID,
			"workspaceId": workspaceID,
			"old":         change.Old,
		}
	default:
		return map[string]any{
			"new":         change.New,
			"old":         change.Old,
			"entityType":  m.entityType,
			"entityId":    m.entityID,
			"parentId":    m.parentID,
			"workspaceId": workspaceID,
		}
	}
}
