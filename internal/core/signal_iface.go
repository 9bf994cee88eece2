package core

import "github.com/dkeye/VoiceRooms/internal/domain"

// Frame is a raw encoded signaling message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	ID() domain.PeerID
	TrySend(Frame) error
	// JoinGroup and LeaveGroup maintain the transport-level room membership
	// that BroadcastGroup fans out to.
	JoinGroup(room domain.RoomName)
	LeaveGroup(room domain.RoomName)
	// BroadcastGroup delivers f to every connection of the group except this one
	// and returns the number of successful sends.
	BroadcastGroup(room domain.RoomName, f Frame) int
	Close()
}
