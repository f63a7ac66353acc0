package chatlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"lanchat/internal/model"
	"lanchat/internal/service/redis"
)

const (
	peersKey  = "chat:peers"
	unreadKey = "chat:unread"
)

// RedisStore keeps one id list and one id->line hash per conversation.
// Line updates go through WATCH so concurrent receipts do not clobber each
// other.
type RedisStore struct {
	redis *redis.RedisService
}

func NewRedisStore(r *redis.RedisService) *RedisStore {
	return &RedisStore{redis: r}
}

func orderKey(peer model.Peer) string {
	return fmt.Sprintf("chat:%s:order", peer.Key())
}

func linesKey(peer model.Peer) string {
	return fmt.Sprintf("chat:%s:lines", peer.Key())
}

func (s *RedisStore) touch(ctx context.Context, peer model.Peer) error {
	data, err := json.Marshal(peer)
	if err != nil {
		return err
	}
	return s.redis.HSet(ctx, peersKey, peer.Key(), data)
}

// insert writes line unless its id already exists.
func (s *RedisStore) insert(ctx context.Context, peer model.Peer, line model.ChatLine) (bool, error) {
	data, err := json.Marshal(line)
	if err != nil {
		return false, err
	}

	inserted := false
	err = s.redis.UpdateField(ctx, linesKey(peer), line.ID, func(_ string, exists bool) (string, bool, error) {
		inserted = !exists
		return string(data), !exists, nil
	})
	if err != nil || !inserted {
		return false, err
	}

	if err := s.redis.RPush(ctx, orderKey(peer), line.ID); err != nil {
		return false, err
	}
	return true, s.touch(ctx, peer)
}

func (s *RedisStore) update(ctx context.Context, peer model.Peer, id string, fn func(*model.ChatLine) bool) (bool, error) {
	changed := false
	err := s.redis.UpdateField(ctx, linesKey(peer), id, func(cur string, exists bool) (string, bool, error) {
		changed = false
		if !exists {
			return "", false, nil
		}
		var line model.ChatLine
		if err := json.Unmarshal([]byte(cur), &line); err != nil {
			return "", false, err
		}
		if !fn(&line) {
			return "", false, nil
		}
		data, err := json.Marshal(line)
		if err != nil {
			return "", false, err
		}
		changed = true
		return string(data), true, nil
	})
	return changed, err
}

func (s *RedisStore) AppendOutgoing(ctx context.Context, peer model.Peer, line model.ChatLine) error {
	line.Outgoing = true
	_, err := s.insert(ctx, peer, line)
	return err
}

func (s *RedisStore) SubmitIncoming(ctx context.Context, peer model.Peer, line model.ChatLine) (bool, error) {
	line.Outgoing = false
	inserted, err := s.insert(ctx, peer, line)
	if err != nil || !inserted {
		return false, err
	}
	if _, err := s.redis.HIncrBy(ctx, unreadKey, peer.Key(), 1); err != nil {
		return true, err
	}
	return true, nil
}

func (s *RedisStore) MarkDelivered(ctx context.Context, peer model.Peer, id string) error {
	_, err := s.update(ctx, peer, id, func(l *model.ChatLine) bool {
		if !l.Outgoing || l.Delivered {
			return false
		}
		l.Delivered = true
		return true
	})
	return err
}

func (s *RedisStore) MarkRead(ctx context.Context, peer model.Peer, id string, at int64) error {
	_, err := s.update(ctx, peer, id, func(l *model.ChatLine) bool {
		changed := false
		if l.Outgoing && !l.Delivered {
			l.Delivered = true
			changed = true
		}
		return markRead(l, at) || changed
	})
	return err
}

func (s *RedisStore) MarkAllIncomingRead(ctx context.Context, peer model.Peer, at int64) ([]string, error) {
	lines, err := s.History(ctx, peer)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, l := range lines {
		if l.Outgoing || l.ReadAt != nil {
			continue
		}
		changed, err := s.update(ctx, peer, l.ID, func(l *model.ChatLine) bool {
			return markRead(l, at)
		})
		if err != nil {
			return ids, err
		}
		if changed {
			ids = append(ids, l.ID)
		}
	}
	return ids, s.redis.HDel(ctx, unreadKey, peer.Key())
}

func (s *RedisStore) History(ctx context.Context, peer model.Peer) ([]model.ChatLine, error) {
	ids, err := s.redis.LRange(ctx, orderKey(peer))
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	vals, err := s.redis.HMGet(ctx, linesKey(peer), ids...)
	if err != nil {
		return nil, err
	}

	out := make([]model.ChatLine, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var l model.ChatLine
		if err := json.Unmarshal([]byte(str), &l); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (s *RedisStore) Conversations(ctx context.Context) ([]model.Peer, error) {
	vals, err := s.redis.HGetAll(ctx, peersKey)
	if err != nil {
		return nil, err
	}

	out := make([]model.Peer, 0, len(vals))
	for _, v := range vals {
		var p model.Peer
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (s *RedisStore) Unread(ctx context.Context) (map[string]int64, error) {
	vals, err := s.redis.HGetAll(ctx, unreadKey)
	if err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(vals))
	for k, v := range vals {
		var n int64
		if _, err := fmt.Sscan(v, &n); err != nil {
			return nil, err
		}
		if n > 0 {
			out[k] = n
		}
	}
	return out, nil
}
