package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/avetra/sessionlink/internal/domain"
)

// HistoryClient performs the one-shot fetch of prior messages for a session.
type HistoryClient struct {
	base   string
	hc     *http.Client
	logger zerolog.Logger
}

func NewHistoryClient(base string) *HistoryClient {
	return &HistoryClient{
		base:   strings.TrimRight(base, "/"),
		hc:     &http.Client{Timeout: 10 * time.Second},
		logger: log.With().Str("module", "chat.history").Logger(),
	}
}

// Load fetches message history for the session. A network or decode failure
// degrades to an empty list: history is a best-effort seed, never fatal.
func (h *HistoryClient) Load(ctx context.Context, session domain.SessionID) []domain.Message {
	u := fmt.Sprintf("%s/api/sessions/%s/messages", h.base, url.PathEscape(string(session)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("session", string(session)).Msg("history request build failed")
		return nil
	}
	resp, err := h.hc.Do(req)
	if err != nil {
		h.logger.Warn().Err(err).Str("session", string(session)).Msg("history fetch failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.logger.Warn().Int("status", resp.StatusCode).Str("session", string(session)).Msg("history fetch non-OK")
		return nil
	}

	var msgs []domain.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		h.logger.Warn().Err(err).Str("session", string(session)).Msg("history decode failed")
		return nil
	}
	return msgs
}
