package domain

import "time"

// Message is one chat message as it travels over the wire.
//
// SenderID and FromUserID are the same datum under two field names: older
// producers emit fromUserId, newer ones senderId. Until the producers are
// unified both are carried and Sender resolves whichever is present.
// There is no local echo on send: a message enters the list only when the
// server rebroadcasts it to the room, sender included. That keeps send and
// delivery on a single path at the cost of round-trip latency.
type Message struct {
	ID         string    `json:"id,omitempty"`
	SessionID  SessionID `json:"sessionId"`
	SenderID   UserID    `json:"senderId,omitempty"`
	FromUserID UserID    `json:"fromUserId,omitempty"`
	Text       string    `json:"text"`
	SentAt     time.Time `json:"sentAt,omitempty"`
}

// Sender returns the sender id regardless of which field convention
// the producer used.
func (m Message) Sender() UserID {
	if m.SenderID != "" {
		return m.SenderID
	}
	return m.FromUserID
}

// IsFrom reports whether the message was sent by the given user,
// checked against both field conventions.
func (m Message) IsFrom(id UserID) bool {
	return id != "" && m.Sender() == id
}
