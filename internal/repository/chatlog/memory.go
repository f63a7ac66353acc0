package chatlog

import (
	"context"
	"sort"
	"sync"

	"lanchat/internal/model"
)

type (
	conversation struct {
		peer  model.Peer
		order []string
		lines map[string]*model.ChatLine
	}

	// MemoryStore keeps everything in process memory.
	MemoryStore struct {
		mu     sync.Mutex
		convs  map[string]*conversation
		unread map[string]int64
	}
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:  make(map[string]*conversation),
		unread: make(map[string]int64),
	}
}

func (s *MemoryStore) conv(peer model.Peer) *conversation {
	c, ok := s.convs[peer.Key()]
	if !ok {
		c = &conversation{peer: peer, lines: make(map[string]*model.ChatLine)}
		s.convs[peer.Key()] = c
	}
	return c
}

func (s *MemoryStore) AppendOutgoing(_ context.Context, peer model.Peer, line model.ChatLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line.Outgoing = true
	c := s.conv(peer)
	if _, ok := c.lines[line.ID]; !ok {
		c.order = append(c.order, line.ID)
	}
	c.lines[line.ID] = &line
	return nil
}

func (s *MemoryStore) SubmitIncoming(_ context.Context, peer model.Peer, line model.ChatLine) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conv(peer)
	if _, ok := c.lines[line.ID]; ok {
		return false, nil
	}
	line.Outgoing = false
	c.order = append(c.order, line.ID)
	c.lines[line.ID] = &line
	s.unread[peer.Key()]++
	return true, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, peer model.Peer, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.convs[peer.Key()]; ok {
		if l, ok := c.lines[id]; ok && l.Outgoing {
			l.Delivered = true
		}
	}
	return nil
}

func (s *MemoryStore) MarkRead(_ context.Context, peer model.Peer, id string, at int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.convs[peer.Key()]; ok {
		if l, ok := c.lines[id]; ok {
			// a READ receipt implies delivery
			if l.Outgoing {
				l.Delivered = true
			}
			markRead(l, at)
		}
	}
	return nil
}

func (s *MemoryStore) MarkAllIncomingRead(_ context.Context, peer model.Peer, at int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.unread, peer.Key())
	c, ok := s.convs[peer.Key()]
	if !ok {
		return nil, nil
	}
	var ids []string
	for _, id := range c.order {
		l := c.lines[id]
		if !l.Outgoing && markRead(l, at) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) History(_ context.Context, peer model.Peer) ([]model.ChatLine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[peer.Key()]
	if !ok {
		return nil, nil
	}
	out := make([]model.ChatLine, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.lines[id])
	}
	return out, nil
}

func (s *MemoryStore) Conversations(_ context.Context) ([]model.Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Peer, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *MemoryStore) Unread(_ context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int64, len(s.unread))
	for k, v := range s.unread {
		if v > 0 {
			out[k] = v
		}
	}
	return out, nil
}
