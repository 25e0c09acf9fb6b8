package websocket

import "sync"

// Hub fans messages out to named session groups. Membership changes
// and broadcasts may run concurrently from many sessions.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[string]*Session
}

func NewHub() *Hub {
	return &Hub{groups: make(map[string]map[string]*Session)}
}

// Join adds a session to a group, creating the group on first use.
func (h *Hub) Join(group string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.groups[group]
	if members == nil {
		members = make(map[string]*Session)
		h.groups[group] = members
	}
	members[s.ID] = s
}

// Leave removes a session from a group, dropping the group when it
// empties.
func (h *Hub) Leave(group string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.groups[group]
	if members == nil {
		return
	}
	delete(members, s.ID)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// Broadcast queues msg for every member of group, including the
// sender. A member whose queue is full is closed as a slow consumer
// rather than stalling the rest of the group. Returns the number of
// sessions the message was queued for.
func (h *Hub) Broadcast(group string, msg Message) int {
	h.mu.RLock()
	members := make([]*Session, 0, len(h.groups[group]))
	for _, s := range h.groups[group] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range members {
		if s.enqueue(msg) {
			delivered++
		} else {
			s.close(CloseGoingAway, "slow consumer")
		}
	}
	return delivered
}

// GroupSize reports the current member count of a group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}
