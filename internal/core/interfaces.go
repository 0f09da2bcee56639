package core

import "github.com/avetra/sessionlink/internal/domain"

// Frame is a raw payload (one serialized envelope).
type Frame []byte

// SignalConnection abstracts a messaging transport endpoint.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// MemberSession binds a user and its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	User() *domain.User
	Signal() SignalConnection
}

// PublishResult reports delivery stats/backpressure to the caller.
type PublishResult struct {
	SentTo  int
	Dropped []MemberSession
}

// MemberDTO is a read-only view for APIs (no transport fields).
type MemberDTO struct {
	ID       domain.UserID `json:"id"`
	Username string        `json:"username,omitempty"`
}

// RoomService is the core-facing API of one session room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	Session() domain.SessionID
	MemberCount() int
	MembersSnapshot() []MemberDTO

	AddMember(cid domain.ConnID, ms MemberSession)
	RemoveMember(cid domain.ConnID)

	// Broadcast fans data out to every member, the sender included.
	// The server rebroadcasts a sent message back to its author instead
	// of relying on a client-side echo.
	Broadcast(data Frame) PublishResult
}

type RoomInfo struct {
	Session     domain.SessionID `json:"session"`
	MemberCount int              `json:"member_count"`
}

type RoomFactory interface {
	GetOrCreate(id domain.SessionID) RoomService
	List() []RoomInfo
	StopRoom(id domain.SessionID)
}
