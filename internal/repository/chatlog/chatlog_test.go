package chatlog

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanchat/internal/model"
	"lanchat/internal/service/redis"
)

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()
	alice := model.NewPeer("192.168.1.20", 7777)
	bob := model.NewPeer("192.168.1.30", 7777)

	require.NoError(t, s.AppendOutgoing(ctx, alice, model.ChatLine{ID: "o1", Text: "hi", Timestamp: 1}))

	ok, err := s.SubmitIncoming(ctx, alice, model.ChatLine{ID: "i1", Text: "hello", Timestamp: 2})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SubmitIncoming(ctx, alice, model.ChatLine{ID: "i1", Text: "dup", Timestamp: 3})
	require.NoError(t, err)
	assert.False(t, ok, "duplicate id must be ignored")

	_, err = s.SubmitIncoming(ctx, alice, model.ChatLine{ID: "i2", Text: "there", Timestamp: 4})
	require.NoError(t, err)
	_, err = s.SubmitIncoming(ctx, bob, model.ChatLine{ID: "b1", Text: "yo", Timestamp: 5})
	require.NoError(t, err)

	unread, err := s.Unread(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{alice.Key(): 2, bob.Key(): 1}, unread)

	require.NoError(t, s.MarkDelivered(ctx, alice, "o1"))
	require.NoError(t, s.MarkDelivered(ctx, alice, "i1"), "incoming lines are not touched")
	require.NoError(t, s.MarkDelivered(ctx, alice, "missing"))

	require.NoError(t, s.MarkRead(ctx, alice, "o1", 100))
	require.NoError(t, s.MarkRead(ctx, alice, "o1", 200))

	ids, err := s.MarkAllIncomingRead(ctx, alice, 300)
	require.NoError(t, err)
	assert.Equal(t, []string{"i1", "i2"}, ids)

	ids, err = s.MarkAllIncomingRead(ctx, alice, 400)
	require.NoError(t, err)
	assert.Empty(t, ids)

	hist, err := s.History(ctx, alice)
	require.NoError(t, err)
	require.Len(t, hist, 3)

	assert.Equal(t, "o1", hist[0].ID)
	assert.True(t, hist[0].Outgoing)
	assert.True(t, hist[0].Delivered)
	require.NotNil(t, hist[0].ReadAt)
	assert.EqualValues(t, 100, *hist[0].ReadAt)

	assert.Equal(t, "hello", hist[1].Text)
	assert.False(t, hist[1].Delivered)
	require.NotNil(t, hist[1].ReadAt)
	assert.EqualValues(t, 300, *hist[1].ReadAt)

	unread, err = s.Unread(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{bob.Key(): 1}, unread)

	convs, err := s.Conversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.Peer{alice, bob}, convs)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreEmptyConversation(t *testing.T) {
	s := NewMemoryStore()
	hist, err := s.History(context.Background(), model.NewPeer("10.0.0.1", 1))
	require.NoError(t, err)
	assert.Empty(t, hist)
}

// TestRedisStore runs against a real server when LANCHAT_TEST_REDIS is set,
// using a scratch database that is flushed first.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("LANCHAT_TEST_REDIS")
	if addr == "" {
		t.Skip("LANCHAT_TEST_REDIS not set")
	}

	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { rdb.Close() })
	require.NoError(t, rdb.FlushDB(context.Background()).Err())

	exerciseStore(t, NewRedisStore(redis.NewRedis(rdb)))
}
