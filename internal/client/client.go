// Package client assembles the consumer-facing pieces from one loaded
// configuration: the shared signaling connection, the chat history client,
// and call controllers, all pointed at the same backend.
package client

import (
	"strings"

	"github.com/avetra/sessionlink/internal/chat"
	"github.com/avetra/sessionlink/internal/config"
	"github.com/avetra/sessionlink/internal/domain"
	"github.com/avetra/sessionlink/internal/media"
	"github.com/avetra/sessionlink/internal/media/rtcengine"
	"github.com/avetra/sessionlink/internal/realtime"
)

// SignalURL derives the signaling WebSocket URL from the backend base URL.
func SignalURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/api/ws"
}

// Client bundles one backend's connection manager and history client.
type Client struct {
	Realtime *realtime.Manager
	History  *chat.HistoryClient

	cfg *config.Config
}

func New(cfg *config.Config) *Client {
	return &Client{
		Realtime: realtime.NewManager(
			realtime.WebsocketDialer(SignalURL(cfg.BackendBaseURL)),
			realtime.Options{
				ReconnectAttempts: cfg.ReconnectAttempts,
				ReconnectDelay:    cfg.ReconnectDelay,
			},
		),
		History: chat.NewHistoryClient(cfg.BackendBaseURL),
		cfg:     cfg,
	}
}

// Room opens the chat view of one session over an acquired connection.
func (c *Client) Room(conn *realtime.Conn, session domain.SessionID, self domain.UserID) *chat.Room {
	return chat.NewRoom(conn, session, self)
}

// MediaController builds a call controller whose WebRTC signaling runs
// through the acquired connection. An unset join timeout falls back to the
// configured one.
func (c *Client) MediaController(conn *realtime.Conn, opts media.Options) *media.Controller {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = c.cfg.JoinTimeout
	}
	eng := rtcengine.New(conn, c.cfg.STUNServers)
	return media.NewController(eng, opts)
}

// JoinRequest fills the app-level join fields so call sites only supply
// what varies per call.
func (c *Client) JoinRequest(channel, token string, pid domain.ParticipantID) media.JoinRequest {
	return media.JoinRequest{
		AppID:         c.cfg.AppID,
		Channel:       channel,
		Token:         token,
		ParticipantID: pid,
	}
}
