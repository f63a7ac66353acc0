package peer

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"lanchat/internal/model"
)

func exerciseRepo(t *testing.T, r Repo) {
	ctx := context.Background()
	p := model.NewPeer("fe80::1%eth0", 7777)
	other := model.NewPeer("fe80::1", 7778)

	blocked, err := r.IsBlocked(ctx, p)
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, r.SetBlocked(ctx, p, true))
	require.NoError(t, r.SetBlocked(ctx, p, true))

	blocked, err = r.IsBlocked(ctx, model.NewPeer("fe80::1", 7777))
	require.NoError(t, err)
	assert.True(t, blocked, "zone suffix must not matter")

	blocked, err = r.IsBlocked(ctx, other)
	require.NoError(t, err)
	assert.False(t, blocked, "block is per conversation port")

	list, err := r.Blocked(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Peer{p}, list)

	require.NoError(t, r.SetBlocked(ctx, p, false))
	blocked, err = r.IsBlocked(ctx, p)
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, r.SetNickname(ctx, p, "  laptop "))
	nick, err := r.Nickname(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "laptop", nick)

	require.NoError(t, r.SetNickname(ctx, p, " "))
	nick, err = r.Nickname(ctx, p)
	require.NoError(t, err)
	assert.Empty(t, nick)
}

func TestStaticBlockList(t *testing.T) {
	exerciseRepo(t, NewStaticBlockList())
}

func TestStaticBlockListSeeded(t *testing.T) {
	p := model.NewPeer("10.0.0.5", 7777)
	s := NewStaticBlockList(p)
	blocked, err := s.IsBlocked(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, blocked)
}

// TestMongoRepo needs LANCHAT_TEST_MONGO pointing at a disposable server.
func TestMongoRepo(t *testing.T) {
	uri := os.Getenv("LANCHAT_TEST_MONGO")
	if uri == "" {
		t.Skip("LANCHAT_TEST_MONGO not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { client.Disconnect(context.Background()) })

	db := client.Database("lanchat_test")
	require.NoError(t, db.Drop(ctx))

	exerciseRepo(t, NewMongoRepo(db))
}
