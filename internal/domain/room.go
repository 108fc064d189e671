package domain

import (
	"slices"
	"strings"
)

// RoomID names a fan-out group of connections. Chat rooms use the canonical
// form built from participants; media rooms use whatever id the client picks.
type RoomID string

const maxMediaRoomIDLen = 128

// CanonicalRoomID sorts the participants and joins them with "_", so every
// member of a conversation derives the same id.
func CanonicalRoomID(ids ...UserID) RoomID {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, string(id))
	}
	slices.Sort(parts)
	parts = slices.Compact(parts)
	return RoomID(strings.Join(parts, "_"))
}

func ValidMediaRoomID(id RoomID) bool {
	return id != "" && len(id) <= maxMediaRoomIDLen
}
