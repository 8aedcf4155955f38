package relay

import "strings"

const roomSeparator = "_"

// RoomName is the canonical room for two users: ids sorted ascending and
// joined by "_". The result is the same whichever side computes it.
func RoomName(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + roomSeparator + b
}

// RoomMembers splits a canonical room name back into its two user ids.
func RoomMembers(room string) (string, string, bool) {
	a, b, ok := strings.Cut(room, roomSeparator)
	if !ok || a == "" || b == "" || strings.Contains(b, roomSeparator) {
		return "", "", false
	}
	return a, b, true
}

// Peer returns the other member of room for userID.
func Peer(room, userID string) (string, bool) {
	a, b, ok := RoomMembers(room)
	switch {
	case !ok:
		return "", false
	case a == userID:
		return b, true
	case b == userID:
		return a, true
	}
	return "", false
}
