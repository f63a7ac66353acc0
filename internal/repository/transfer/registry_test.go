package transfer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanchat/internal/model"
)

var alice = model.NewPeer("192.168.1.2", 7777)

func TestCreate(t *testing.T) {
	r := NewRegistry()

	snap, ok := r.Create("t1", model.Incoming, alice, "a.txt", "text/plain", 10)
	require.True(t, ok)
	assert.Equal(t, model.StatusWaiting, snap.Status)
	assert.False(t, snap.CreatedAt.IsZero())

	_, ok = r.Create("t1", model.Outgoing, alice, "b.txt", "", 3)
	assert.False(t, ok)
	got, _ := r.Get("t1")
	assert.Equal(t, "a.txt", got.Name)

	snap, _ = r.Create("t2", model.Outgoing, alice, "x", "", -42)
	assert.EqualValues(t, -1, snap.Size)
}

func TestUnknownIDIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Create("t1", model.Outgoing, alice, "a", "", 1)
	before := r.Snapshot()

	r.UpdateProgress("nope", 5)
	_, ok := r.Transition("nope", model.StatusDone, model.TransferResult{})
	assert.False(t, ok)

	assert.Equal(t, before, r.Snapshot())
}

func TestProgressIsMonotonicAndClamped(t *testing.T) {
	r := NewRegistry()
	r.Create("t1", model.Incoming, alice, "a", "", 10)

	r.UpdateProgress("t1", 4)
	r.UpdateProgress("t1", 2)
	s, _ := r.Get("t1")
	assert.EqualValues(t, 4, s.BytesTransferred)
	assert.Equal(t, model.StatusTransferring, s.Status)

	r.UpdateProgress("t1", 50)
	s, _ = r.Get("t1")
	assert.EqualValues(t, 10, s.BytesTransferred)

	r.Create("t2", model.Incoming, alice, "b", "", -1)
	r.UpdateProgress("t2", 1<<30)
	s, _ = r.Get("t2")
	assert.EqualValues(t, 1<<30, s.BytesTransferred)
}

func TestTerminalIsFinal(t *testing.T) {
	r := NewRegistry()
	r.Create("t1", model.Outgoing, alice, "a", "", 10)
	r.UpdateProgress("t1", 3)

	status, ok := r.Transition("t1", model.StatusFailed, model.TransferResult{Error: "boom"})
	require.True(t, ok)
	assert.Equal(t, model.StatusFailed, status)

	_, ok = r.Transition("t1", model.StatusDone, model.TransferResult{})
	assert.False(t, ok)
	r.UpdateProgress("t1", 9)

	s, _ := r.Get("t1")
	assert.Equal(t, model.StatusFailed, s.Status)
	assert.Equal(t, "boom", s.Error)
	assert.EqualValues(t, 3, s.BytesTransferred)
	require.NotNil(t, s.FinishedAt)

	_, ok = r.Transition("t1", model.StatusTransferring, model.TransferResult{})
	assert.False(t, ok)
}

func TestDoneKeepsRecordedProgress(t *testing.T) {
	r := NewRegistry()
	r.Create("t1", model.Incoming, alice, "a", "", 10)
	r.UpdateProgress("t1", 5)
	r.Transition("t1", model.StatusDone, model.TransferResult{SavedLocation: "/tmp/a"})

	s, _ := r.Get("t1")
	assert.EqualValues(t, 5, s.BytesTransferred)
	assert.Equal(t, "/tmp/a", s.SavedLocation)
}

func TestCancelWinsOverDoneAndFailed(t *testing.T) {
	for _, status := range []model.TransferStatus{model.StatusDone, model.StatusFailed} {
		r := NewRegistry()
		r.Create("t1", model.Outgoing, alice, "a", "", 10)
		r.RequestCancel("t1")
		r.RequestCancel("t1")
		assert.True(t, r.IsCancelled("t1"))

		recorded, ok := r.Transition("t1", status, model.TransferResult{Error: "x", SavedLocation: "y"})
		require.True(t, ok)
		assert.Equal(t, model.StatusCancelled, recorded)

		s, _ := r.Get("t1")
		assert.Equal(t, model.StatusCancelled, s.Status)
		assert.Empty(t, s.Error)
		assert.Empty(t, s.SavedLocation)
	}
}

func TestCancelDoesNotOverrideRejected(t *testing.T) {
	r := NewRegistry()
	r.Create("t1", model.Outgoing, alice, "a", "", 10)
	r.RequestCancel("t1")

	recorded, _ := r.Transition("t1", model.StatusRejected, model.TransferResult{})
	assert.Equal(t, model.StatusRejected, recorded)
}

func TestCancelChan(t *testing.T) {
	r := NewRegistry()
	ch := r.CancelChan("t1")

	select {
	case <-ch:
		t.Fatal("closed too early")
	default:
	}

	r.RequestCancel("t1")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("cancel channel not closed")
	}

	r.ClearCancel("t1")
	assert.False(t, r.IsCancelled("t1"))
}

func TestSubscribe(t *testing.T) {
	r := NewRegistry()
	ch, stop := r.Subscribe()

	initial := <-ch
	assert.Empty(t, initial)

	r.Create("t1", model.Outgoing, alice, "a", "", 10)
	r.UpdateProgress("t1", 5)

	latest := <-ch
	assert.Equal(t, int64(5), latest["t1"].BytesTransferred, "slow subscribers see the newest map")

	stop()
	stop()
	_, open := <-ch
	assert.False(t, open)

	r.UpdateProgress("t1", 6)
}

func TestObserverSeesEveryChange(t *testing.T) {
	var seen []model.TransferStatus
	r := NewRegistry(WithObserver(func(s model.TransferSnapshot) {
		seen = append(seen, s.Status)
	}))

	r.Create("t1", model.Incoming, alice, "a", "", 2)
	r.UpdateProgress("t1", 1)
	r.UpdateProgress("t1", 1)
	r.UpdateProgress("t1", 2)
	r.Transition("t1", model.StatusDone, model.TransferResult{})

	assert.Equal(t, []model.TransferStatus{
		model.StatusWaiting,
		model.StatusTransferring,
		model.StatusTransferring,
		model.StatusDone,
	}, seen)
}

func TestSnapshotIsStableUnderWriters(t *testing.T) {
	r := NewRegistry()
	r.Create("t1", model.Incoming, alice, "a", "", -1)
	old := r.Snapshot()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 1; j <= 100; j++ {
				r.UpdateProgress("t1", int64(i*100+j))
				_ = r.Snapshot()["t1"]
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 0, old["t1"].BytesTransferred)
	s, _ := r.Get("t1")
	assert.EqualValues(t, 800, s.BytesTransferred)
}

func TestClock(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewRegistry(WithClock(func() time.Time { return at }))
	s, _ := r.Create("t1", model.Incoming, alice, "a", "", 1)
	assert.Equal(t, at, s.CreatedAt)
}
