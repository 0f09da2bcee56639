// Package history persists chat messages per session so a client can seed
// its list with one fetch on mount.
package history

import (
	"context"

	"github.com/avetra/sessionlink/internal/domain"
)

// Store keeps the most recent messages of each session.
type Store interface {
	Append(ctx context.Context, session domain.SessionID, msg domain.Message) error
	List(ctx context.Context, session domain.SessionID) ([]domain.Message, error)
}
