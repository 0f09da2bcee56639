package domain

type (
	// SessionID scopes chat message delivery to one consultation session.
	SessionID string
	// ConnID identifies one live transport connection on the server.
	ConnID string
)
