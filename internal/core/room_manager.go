package core

import (
	"sync"

	"github.com/avetra/sessionlink/internal/domain"
)

// RoomManager implements RoomFactory over an in-memory map.
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[domain.SessionID]RoomService
}

func NewRoomManager() *RoomManager {
	return &RoomManager{rooms: make(map[domain.SessionID]RoomService)}
}

func (rm *RoomManager) GetOrCreate(id domain.SessionID) RoomService {
	rm.mu.RLock()
	room, ok := rm.rooms[id]
	rm.mu.RUnlock()
	if ok {
		return room
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if room, ok = rm.rooms[id]; !ok {
		room = NewRoomService(id)
		rm.rooms[id] = room
	}
	return room
}

func (rm *RoomManager) List() []RoomInfo {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]RoomInfo, 0, len(rm.rooms))
	for _, r := range rm.rooms {
		out = append(out, RoomInfo{Session: r.Session(), MemberCount: r.MemberCount()})
	}
	return out
}

func (rm *RoomManager) StopRoom(id domain.SessionID) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.rooms, id)
}
