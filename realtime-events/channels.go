package realtimeevents

import (
	"strings"

	"github.com/google/uuid"
)

// Channel name grammar: workspace:<uuid>, board:<uuid>, user:<uuid>, or the
// literal "global". Control frames use the reserved "system" channel.
const (
	GlobalChannel = "global"
	SystemChannel = "system"
)

func WorkspaceChannel(id string) string { return "workspace:" + id }
func BoardChannel(id string) string     { return "board:" + id }
func UserChannel(id string) string      { return "user:" + id }

// ValidChannel reports whether name conforms to the channel grammar.
func ValidChannel(name string) bool {
	if name == GlobalChannel {
		return true
	}
	prefix, id, ok := strings.Cut(name, ":")
	if !ok || id == "" {
		return false
	}
	switch prefix {
	case "workspace", "board", "user":
	default:
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// ChannelKind returns the grammar prefix of a channel name, for metrics
// dimensions and logs.
func ChannelKind(name string) string {
	if kind, _, ok := strings.Cut(name, ":"); ok {
		return kind
	}
	return name
}
