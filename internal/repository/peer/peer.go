package peer

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"lanchat/internal/model"
)

type (
	// BlockList answers whether a conversation endpoint is blocked.
	BlockList interface {
		IsBlocked(ctx context.Context, peer model.Peer) (bool, error)
	}

	Repo interface {
		BlockList
		SetBlocked(ctx context.Context, peer model.Peer, blocked bool) error
		Blocked(ctx context.Context) ([]model.Peer, error)
		Nickname(ctx context.Context, peer model.Peer) (string, error)
		SetNickname(ctx context.Context, peer model.Peer, label string) error
	}

	MongoRepo struct {
		blocked   *mongo.Collection
		nicknames *mongo.Collection
	}

	blockedDoc struct {
		ID   string `bson:"_id"`
		Host string `bson:"host"`
		Port int    `bson:"port"`
	}

	nicknameDoc struct {
		ID    string `bson:"_id"`
		Host  string `bson:"host"`
		Port  int    `bson:"port"`
		Label string `bson:"label"`
	}

	// StaticBlockList is an in-memory Repo, used when no database is
	// configured.
	StaticBlockList struct {
		mu        sync.RWMutex
		blocked   map[string]model.Peer
		nicknames map[string]string
	}
)

func NewMongoRepo(db *mongo.Database) *MongoRepo {
	return &MongoRepo{
		blocked:   db.Collection("blocked_peers"),
		nicknames: db.Collection("nicknames"),
	}
}

func (r *MongoRepo) IsBlocked(ctx context.Context, peer model.Peer) (bool, error) {
	n, err := r.blocked.CountDocuments(ctx, bson.M{"_id": peer.Key()})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *MongoRepo) SetBlocked(ctx context.Context, peer model.Peer, blocked bool) error {
	if !blocked {
		_, err := r.blocked.DeleteOne(ctx, bson.M{"_id": peer.Key()})
		return err
	}

	doc := blockedDoc{ID: peer.Key(), Host: peer.Host, Port: peer.Port}
	_, err := r.blocked.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (r *MongoRepo) Blocked(ctx context.Context) ([]model.Peer, error) {
	cur, err := r.blocked.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []blockedDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]model.Peer, 0, len(docs))
	for _, d := range docs {
		out = append(out, model.Peer{Host: d.Host, Port: d.Port})
	}
	return out, nil
}

// Nickname returns "" when no label is set.
func (r *MongoRepo) Nickname(ctx context.Context, peer model.Peer) (string, error) {
	var doc nicknameDoc
	err := r.nicknames.FindOne(ctx, bson.M{"_id": peer.Key()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return doc.Label, nil
}

// SetNickname stores label trimmed; a blank label removes it.
func (r *MongoRepo) SetNickname(ctx context.Context, peer model.Peer, label string) error {
	label = strings.TrimSpace(label)
	if label == "" {
		_, err := r.nicknames.DeleteOne(ctx, bson.M{"_id": peer.Key()})
		return err
	}

	doc := nicknameDoc{ID: peer.Key(), Host: peer.Host, Port: peer.Port, Label: label}
	_, err := r.nicknames.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func NewStaticBlockList(blocked ...model.Peer) *StaticBlockList {
	s := &StaticBlockList{
		blocked:   make(map[string]model.Peer),
		nicknames: make(map[string]string),
	}
	for _, p := range blocked {
		s.blocked[p.Key()] = p
	}
	return s
}

func (s *StaticBlockList) IsBlocked(_ context.Context, peer model.Peer) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocked[peer.Key()]
	return ok, nil
}

func (s *StaticBlockList) SetBlocked(_ context.Context, peer model.Peer, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if blocked {
		s.blocked[peer.Key()] = peer
	} else {
		delete(s.blocked, peer.Key())
	}
	return nil
}

func (s *StaticBlockList) Blocked(_ context.Context) ([]model.Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Peer, 0, len(s.blocked))
	for _, p := range s.blocked {
		out = append(out, p)
	}
	return out, nil
}

func (s *StaticBlockList) Nickname(_ context.Context, peer model.Peer) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nicknames[peer.Key()], nil
}

func (s *StaticBlockList) SetNickname(_ context.Context, peer model.Peer, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	label = strings.TrimSpace(label)
	if label == "" {
		delete(s.nicknames, peer.Key())
	} else {
		s.nicknames[peer.Key()] = label
	}
	return nil
}
