package chatlog

import (
	"context"

	"lanchat/internal/model"
)

// Store is a per-conversation message log with unread counters. Lines are
// kept in arrival order and addressed by message id.
type Store interface {
	AppendOutgoing(ctx context.Context, peer model.Peer, line model.ChatLine) error

	// SubmitIncoming records a received line and bumps the unread counter.
	// A repeated id is ignored and reports false.
	SubmitIncoming(ctx context.Context, peer model.Peer, line model.ChatLine) (bool, error)

	// MarkDelivered flags an outgoing line as delivered.
	MarkDelivered(ctx context.Context, peer model.Peer, id string) error

	// MarkRead records the first read time of a line. Later reads keep the
	// original time.
	MarkRead(ctx context.Context, peer model.Peer, id string, at int64) error

	// MarkAllIncomingRead stamps every unread incoming line with at, clears
	// the unread counter and returns the ids it changed.
	MarkAllIncomingRead(ctx context.Context, peer model.Peer, at int64) ([]string, error)

	History(ctx context.Context, peer model.Peer) ([]model.ChatLine, error)
	Conversations(ctx context.Context) ([]model.Peer, error)
	Unread(ctx context.Context) (map[string]int64, error)
}

func markRead(line *model.ChatLine, at int64) bool {
	if line.ReadAt != nil {
		return false
	}
	line.ReadAt = &at
	return true
}
