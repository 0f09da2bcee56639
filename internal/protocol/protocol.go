// Package protocol defines the envelope and payloads spoken over the
// signaling WebSocket. Both the client connection and sessiond import it;
// neither side hand-rolls field names.
package protocol

import (
	"encoding/json"

	"github.com/avetra/sessionlink/internal/domain"
)

// Outbound (client -> server) events.
const (
	EventSessionJoin  = "session:join"
	EventSessionLeave = "session:leave"
	EventMessageSend  = "message:send"
	EventRTCOffer     = "rtc:offer"
	EventRTCCandidate = "rtc:candidate"
	EventRTCLeave     = "rtc:leave"
)

// Inbound (server -> client) events.
const (
	EventMessageReceive = "message:receive"
	EventRTCAnswer      = "rtc:answer"
	EventRTCParticipant = "rtc:participant"
)

// Local pseudo-events dispatched by the client connection itself, mirroring
// the transport lifecycle. They never travel over the wire.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// Envelope frames every wire message: an event name plus its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals v into an envelope for event.
func NewEnvelope(event string, v any) (Envelope, error) {
	if v == nil {
		return Envelope{Event: event}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: b}, nil
}

type SessionRef struct {
	SessionID domain.SessionID `json:"sessionId"`
}

type MessageSend struct {
	SessionID domain.SessionID `json:"sessionId"`
	Text      string           `json:"text"`
}

// Offer carries the client's SDP offer together with the channel
// credentials the server verifies before answering.
type Offer struct {
	Channel       string               `json:"channel"`
	Token         string               `json:"token"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	SDP           string               `json:"sdp"`
}

type Answer struct {
	Channel string `json:"channel"`
	SDP     string `json:"sdp"`
}

type RTCLeave struct {
	Channel       string               `json:"channel"`
	ParticipantID domain.ParticipantID `json:"participantId"`
}

type Candidate struct {
	Channel       string `json:"channel"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

// Participant state changes within a media channel.
const (
	ParticipantPublished   = "published"
	ParticipantUnpublished = "unpublished"
	ParticipantLeft        = "left"
)

type ParticipantEvent struct {
	Channel       string               `json:"channel"`
	ParticipantID domain.ParticipantID `json:"participantId"`
	State         string               `json:"state"`
	Kind          domain.MediaKind     `json:"kind,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}
