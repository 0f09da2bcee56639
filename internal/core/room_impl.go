package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avetra/sessionlink/internal/domain"
)

// roomImpl is a threadsafe in-memory session room.
// It never closes adapter-owned resources.
type roomImpl struct {
	session domain.SessionID
	mu      sync.RWMutex
	byConn  map[domain.ConnID]MemberSession
}

func NewRoomService(session domain.SessionID) RoomService {
	return &roomImpl{
		session: session,
		byConn:  make(map[domain.ConnID]MemberSession),
	}
}

func (r *roomImpl) Session() domain.SessionID { return r.session }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}

// AddMember is idempotent: re-adding the same connection replaces the
// entry, so a duplicate join never doubles message delivery.
func (r *roomImpl) AddMember(cid domain.ConnID, ms MemberSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[cid] = ms
	log.Info().Str("module", "core.room").Str("session", string(r.session)).Str("conn", string(cid)).Msg("member added")
}

func (r *roomImpl) RemoveMember(cid domain.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byConn, cid)
	log.Info().Str("module", "core.room").Str("session", string(r.session)).Str("conn", string(cid)).Msg("member removed")
}

func (r *roomImpl) Broadcast(data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for _, m := range r.byConn {
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SentTo++
	}
	log.Debug().Str("module", "core.room").Str("session", string(r.session)).Int("sent_to", res.SentTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) MembersSnapshot() []MemberDTO {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MemberDTO, 0, len(r.byConn))
	for _, ms := range r.byConn {
		u := ms.User()
		out = append(out, MemberDTO{ID: u.ID, Username: u.Username})
	}
	return out
}
