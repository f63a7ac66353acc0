package transfer

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lanchat/internal/model"
	"lanchat/internal/protocol/channel"
	"lanchat/internal/protocol/frame"
	"lanchat/internal/protocol/session"
	transferRepo "lanchat/internal/repository/transfer"
)

var peer = model.NewPeer("127.0.0.1", 7777)

type (
	recorder struct {
		mu    sync.Mutex
		snaps []model.TransferSnapshot
	}

	memSink struct {
		bytes.Buffer
		closed bool
	}

	// endless yields zero bytes forever, a few at a time.
	endless struct{}

	// zeros fills every read with zero bytes.
	zeros struct{}
)

func (r *recorder) observe(s model.TransferSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) steps() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.snaps {
		out = append(out, string(s.Status)+":"+strconv.FormatInt(s.BytesTransferred, 10))
	}
	return out
}

func (s *memSink) Close() error {
	s.closed = true
	return nil
}

func (endless) Read(p []byte) (int, error) {
	if len(p) > 512 {
		p = p[:512]
	}
	clear(p)
	return len(p), nil
}

func (zeros) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}

func pipe(t *testing.T, idle time.Duration) (*frame.Conn, *frame.Conn, *session.Session) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	s := <-accepted
	require.NotNil(t, s)
	t.Cleanup(func() {
		c.Close()
		s.Close()
	})

	sess, err := session.New(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	return frame.New(c, idle, idle), frame.New(s, idle, idle), sess
}

func newSide(opts Options) (*Engine, *recorder) {
	rec := &recorder{}
	reg := transferRepo.NewRegistry(transferRepo.WithObserver(rec.observe))
	return NewEngine(reg, opts), rec
}

// acceptOffer plays the dispatcher: read the offer, register it, receive.
func acceptOffer(t *testing.T, ctx context.Context, e *Engine, fc *frame.Conn, sess *session.Session, id string, sink Sink) model.TransferStatus {
	op, err := channel.Receive(fc, sess)
	if !assert.NoError(t, err) {
		return ""
	}
	assert.Equal(t, model.OpFileOffer, op.Type)
	e.Registry().Create(id, model.Incoming, peer, op.Name, op.Mime, op.OfferSize())
	return e.Receive(ctx, fc, sess, id, sink, "/downloads/"+op.Name)
}

func TestTransferInTwoChunks(t *testing.T) {
	sc, rc, sess := pipe(t, 2*time.Second)
	sender, sendRec := newSide(Options{ChunkSize: 5})
	receiver, recvRec := newSide(Options{})
	ctx := context.Background()

	payload := []byte("0123456789")
	sender.Registry().Create("out", model.Outgoing, peer, "a.txt", "text/plain", 10)

	sink := &memSink{}
	recvDone := make(chan model.TransferStatus, 1)
	go func() {
		recvDone <- acceptOffer(t, ctx, receiver, rc, sess, "in", sink)
	}()

	status := sender.Send(ctx, sc, sess, "out", model.FileOfferOp("a.txt", "text/plain", 10), bytes.NewReader(payload))
	assert.Equal(t, model.StatusDone, status)
	assert.Equal(t, model.StatusDone, <-recvDone)

	assert.Equal(t, payload, sink.Bytes())
	assert.True(t, sink.closed)

	assert.Equal(t, []string{"WAITING:0", "TRANSFERRING:5", "TRANSFERRING:10", "DONE:10"}, recvRec.steps())
	assert.Equal(t, []string{"WAITING:0", "TRANSFERRING:5", "TRANSFERRING:10", "DONE:10"}, sendRec.steps())

	in, _ := receiver.Registry().Get("in")
	assert.Equal(t, "/downloads/a.txt", in.SavedLocation)
	assert.Equal(t, "text/plain", in.Mime)
	require.NotNil(t, in.FinishedAt)
}

func TestTransferUnknownSize(t *testing.T) {
	sc, rc, sess := pipe(t, 2*time.Second)
	sender, _ := newSide(Options{ChunkSize: 3})
	receiver, _ := newSide(Options{})
	ctx := context.Background()

	sender.Registry().Create("out", model.Outgoing, peer, "s", "", -1)
	offer := model.Operation{Type: model.OpFileOffer, Name: "s"}

	sink := &memSink{}
	recvDone := make(chan model.TransferStatus, 1)
	go func() {
		recvDone <- acceptOffer(t, ctx, receiver, rc, sess, "in", sink)
	}()

	assert.Equal(t, model.StatusDone, sender.Send(ctx, sc, sess, "out", offer, bytes.NewReader([]byte("abcdefgh"))))
	assert.Equal(t, model.StatusDone, <-recvDone)
	assert.Equal(t, "abcdefgh", sink.String())

	in, _ := receiver.Registry().Get("in")
	assert.EqualValues(t, -1, in.Size)
	assert.EqualValues(t, 8, in.BytesTransferred)
}

func TestRejectSendsNoData(t *testing.T) {
	sc, rc, sess := pipe(t, 2*time.Second)
	sender, sendRec := newSide(Options{})
	sender.Registry().Create("out", model.Outgoing, peer, "a.txt", "", 10)

	afterReply := make(chan error, 1)
	go func() {
		if _, err := channel.Receive(rc, sess); err != nil {
			afterReply <- err
			return
		}
		if err := channel.Send(rc, sess, model.FileReplyOp(model.DecisionReject)); err != nil {
			afterReply <- err
			return
		}
		_, err := rc.ReadLine()
		afterReply <- err
	}()

	status := sender.Send(context.Background(), sc, sess, "out", model.FileOfferOp("a.txt", "", 10), bytes.NewReader(make([]byte, 10)))
	assert.Equal(t, model.StatusRejected, status)
	assert.ErrorIs(t, <-afterReply, io.EOF, "sender must close without DATA")
	assert.Equal(t, []string{"WAITING:0", "REJECTED:0"}, sendRec.steps())
}

func TestEngineReject(t *testing.T) {
	sc, rc, sess := pipe(t, 2*time.Second)
	sender, _ := newSide(Options{})
	receiver, _ := newSide(Options{})
	sender.Registry().Create("out", model.Outgoing, peer, "a", "", 1)

	recvDone := make(chan model.TransferStatus, 1)
	go func() {
		_, err := channel.Receive(rc, sess)
		assert.NoError(t, err)
		receiver.Registry().Create("in", model.Incoming, peer, "a", "", 1)
		recvDone <- receiver.Reject(rc, sess, "in")
	}()

	assert.Equal(t, model.StatusRejected, sender.Send(context.Background(), sc, sess, "out", model.FileOfferOp("a", "", 1), bytes.NewReader([]byte{1})))
	assert.Equal(t, model.StatusRejected, <-recvDone)
}

func TestReceiverCancel(t *testing.T) {
	sc, rc, sess := pipe(t, 5*time.Second)
	sender, _ := newSide(Options{ChunkSize: 1024})
	receiver, _ := newSide(Options{})
	ctx := context.Background()

	const size = int64(1) << 40
	sender.Registry().Create("out", model.Outgoing, peer, "big", "", size)

	recvDone := make(chan model.TransferStatus, 1)
	go func() {
		recvDone <- acceptOffer(t, ctx, receiver, rc, sess, "in", &memSink{})
	}()
	sendDone := make(chan model.TransferStatus, 1)
	go func() {
		sendDone <- sender.Send(ctx, sc, sess, "out", model.FileOfferOp("big", "", size), endless{})
	}()

	require.Eventually(t, func() bool {
		s, ok := receiver.Registry().Get("in")
		return ok && s.BytesTransferred > 0
	}, 5*time.Second, 5*time.Millisecond)
	receiver.Registry().RequestCancel("in")

	assert.Equal(t, model.StatusCancelled, waitStatus(t, recvDone))
	assert.Equal(t, model.StatusCancelled, waitStatus(t, sendDone))

	out, _ := sender.Registry().Get("out")
	assert.Equal(t, model.StatusCancelled, out.Status)
	assert.Less(t, out.BytesTransferred, size)
}

func TestSenderCancel(t *testing.T) {
	sc, rc, sess := pipe(t, 5*time.Second)
	sender, _ := newSide(Options{ChunkSize: 1024})
	receiver, _ := newSide(Options{})
	ctx := context.Background()

	const size = int64(1) << 40
	sender.Registry().Create("out", model.Outgoing, peer, "big", "", size)

	recvDone := make(chan model.TransferStatus, 1)
	go func() {
		recvDone <- acceptOffer(t, ctx, receiver, rc, sess, "in", &memSink{})
	}()
	sendDone := make(chan model.TransferStatus, 1)
	go func() {
		sendDone <- sender.Send(ctx, sc, sess, "out", model.FileOfferOp("big", "", size), endless{})
	}()

	require.Eventually(t, func() bool {
		s, _ := sender.Registry().Get("out")
		return s.BytesTransferred > 0
	}, 5*time.Second, 5*time.Millisecond)
	sender.Registry().RequestCancel("out")

	assert.Equal(t, model.StatusCancelled, waitStatus(t, sendDone))
	assert.Equal(t, model.StatusCancelled, waitStatus(t, recvDone))
}

func TestContextCancelWhileWaitingForReply(t *testing.T) {
	sc, rc, sess := pipe(t, 5*time.Second)
	sender, _ := newSide(Options{})
	sender.Registry().Create("out", model.Outgoing, peer, "a", "", 1)

	go func() {
		channel.Receive(rc, sess)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sendDone := make(chan model.TransferStatus, 1)
	go func() {
		sendDone <- sender.Send(ctx, sc, sess, "out", model.FileOfferOp("a", "", 1), bytes.NewReader([]byte{1}))
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	assert.Equal(t, model.StatusCancelled, waitStatus(t, sendDone))
}

func TestNoReply(t *testing.T) {
	sc, rc, sess := pipe(t, 2*time.Second)
	sender, _ := newSide(Options{})
	sender.Registry().Create("out", model.Outgoing, peer, "a", "", 1)

	go func() {
		channel.Receive(rc, sess)
		rc.Close()
	}()

	status := sender.Send(context.Background(), sc, sess, "out", model.FileOfferOp("a", "", 1), bytes.NewReader([]byte{1}))
	assert.Equal(t, model.StatusFailed, status)
	out, _ := sender.Registry().Get("out")
	assert.Equal(t, "no reply", out.Error)
}

func TestTimeoutWaitingForData(t *testing.T) {
	sc, rc, sess := pipe(t, 2*time.Second)
	receiver, _ := newSide(Options{IdleTimeout: 100 * time.Millisecond})

	require.NoError(t, channel.Send(sc, sess, model.FileOfferOp("a", "", 1)))
	go func() {
		// read the ACCEPT, then stall
		channel.Receive(sc, sess)
	}()

	status := acceptOffer(t, context.Background(), receiver, rc, sess, "in", &memSink{})
	assert.Equal(t, model.StatusFailed, status)
	in, _ := receiver.Registry().Get("in")
	assert.Equal(t, "timeout waiting for data", in.Error)
}

func TestPeerSendsMoreThanOffered(t *testing.T) {
	sc, rc, sess := pipe(t, 2*time.Second)
	receiver, _ := newSide(Options{})

	require.NoError(t, channel.Send(sc, sess, model.FileOfferOp("a", "", 4)))
	go func() {
		if _, err := channel.Receive(sc, sess); err != nil {
			return
		}
		sc.WriteTag(frame.Data)
		for i := 0; i < 2; i++ {
			payload, _ := sess.SealB64([]byte("abc"))
			sc.WriteFrame(frame.Chunk, payload)
		}
		sc.WriteTag(frame.End)
	}()

	status := acceptOffer(t, context.Background(), receiver, rc, sess, "in", &memSink{})
	assert.Equal(t, model.StatusFailed, status)
	in, _ := receiver.Registry().Get("in")
	assert.Contains(t, in.Error, "more than the offered")
	assert.EqualValues(t, 3, in.BytesTransferred)
}

func TestCorruptChunkFails(t *testing.T) {
	sc, rc, sess := pipe(t, 2*time.Second)
	receiver, _ := newSide(Options{})

	require.NoError(t, channel.Send(sc, sess, model.FileOfferOp("a", "", 4)))
	go func() {
		if _, err := channel.Receive(sc, sess); err != nil {
			return
		}
		sc.WriteTag(frame.Data)
		sc.WriteFrame(frame.Chunk, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	}()

	status := acceptOffer(t, context.Background(), receiver, rc, sess, "in", &memSink{})
	assert.Equal(t, model.StatusFailed, status)
	in, _ := receiver.Registry().Get("in")
	assert.Contains(t, in.Error, model.ErrAuthentication.Error())
}

func waitStatus(t *testing.T, ch <-chan model.TransferStatus) model.TransferStatus {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(10 * time.Second):
		t.Fatal("transfer did not finish")
		return ""
	}
}

func TestShortSourceFailsBothSides(t *testing.T) {
	sc, rc, sess := pipe(t, 2*time.Second)
	sender, _ := newSide(Options{ChunkSize: 4})
	receiver, _ := newSide(Options{})
	ctx := context.Background()

	sender.Registry().Create("out", model.Outgoing, peer, "a.txt", "", 10)

	sink := &memSink{}
	recvDone := make(chan model.TransferStatus, 1)
	go func() {
		recvDone <- acceptOffer(t, ctx, receiver, rc, sess, "in", sink)
	}()

	status := sender.Send(ctx, sc, sess, "out", model.FileOfferOp("a.txt", "", 10), bytes.NewReader([]byte("01234")))
	assert.Equal(t, model.StatusFailed, status)
	out, _ := sender.Registry().Get("out")
	assert.Contains(t, out.Error, "source shorter than offered")
	assert.EqualValues(t, 5, out.BytesTransferred)

	assert.Equal(t, model.StatusFailed, waitStatus(t, recvDone))
	in, _ := receiver.Registry().Get("in")
	assert.EqualValues(t, 5, in.BytesTransferred)
	assert.Equal(t, "01234", sink.String())
}

func TestEndBeforeOfferedSizeFails(t *testing.T) {
	sc, rc, sess := pipe(t, 2*time.Second)
	receiver, _ := newSide(Options{})

	require.NoError(t, channel.Send(sc, sess, model.FileOfferOp("a", "", 10)))
	go func() {
		if _, err := channel.Receive(sc, sess); err != nil {
			return
		}
		sc.WriteTag(frame.Data)
		payload, _ := sess.SealB64([]byte("abc"))
		sc.WriteFrame(frame.Chunk, payload)
		sc.WriteTag(frame.End)
	}()

	status := acceptOffer(t, context.Background(), receiver, rc, sess, "in", &memSink{})
	assert.Equal(t, model.StatusFailed, status)
	in, _ := receiver.Registry().Get("in")
	assert.Contains(t, in.Error, "ended after 3 of the offered 10 bytes")
	assert.EqualValues(t, 3, in.BytesTransferred)
}

// The sender here never reads, so the CANCEL goes unanswered and chunks keep
// arriving until the receiver gives up draining.
func TestReceiverCancelWithDeafSender(t *testing.T) {
	sc, rc, sess := pipe(t, 30*time.Second)
	receiver, _ := newSide(Options{IdleTimeout: 30 * time.Second})

	require.NoError(t, channel.Send(sc, sess, model.FileOfferOp("big", "", 1<<40)))
	go func() {
		if _, err := channel.Receive(sc, sess); err != nil {
			return
		}
		if sc.WriteTag(frame.Data) != nil {
			return
		}
		payload, _ := sess.SealB64([]byte("abcd"))
		for sc.WriteFrame(frame.Chunk, payload) == nil {
			time.Sleep(50 * time.Millisecond)
		}
	}()

	recvDone := make(chan model.TransferStatus, 1)
	go func() {
		recvDone <- acceptOffer(t, context.Background(), receiver, rc, sess, "in", &memSink{})
	}()

	require.Eventually(t, func() bool {
		s, ok := receiver.Registry().Get("in")
		return ok && s.BytesTransferred > 0
	}, 5*time.Second, 5*time.Millisecond)

	start := time.Now()
	receiver.Registry().RequestCancel("in")
	require.Eventually(t, func() bool {
		s, _ := receiver.Registry().Get("in")
		return s.Status == model.StatusCancelled
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, model.StatusCancelled, waitStatus(t, recvDone))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestSenderCancelWhileReceiverStalls(t *testing.T) {
	sc, rc, sess := pipe(t, 20*time.Second)
	sender, _ := newSide(Options{ChunkSize: 64 << 10, IdleTimeout: 20 * time.Second})

	const size = int64(1) << 40
	sender.Registry().Create("out", model.Outgoing, peer, "big", "", size)

	go func() {
		if _, err := channel.Receive(rc, sess); err != nil {
			return
		}
		if channel.Send(rc, sess, model.FileReplyOp(model.DecisionAccept)) != nil {
			return
		}
		// read DATA, then never read again
		rc.Expect(frame.Data)
	}()

	sendDone := make(chan model.TransferStatus, 1)
	go func() {
		sendDone <- sender.Send(context.Background(), sc, sess, "out", model.FileOfferOp("big", "", size), zeros{})
	}()

	require.Eventually(t, func() bool {
		s, _ := sender.Registry().Get("out")
		return s.BytesTransferred > 0
	}, 5*time.Second, 5*time.Millisecond)
	// let the socket buffers fill so the sender blocks in a write
	time.Sleep(300 * time.Millisecond)

	start := time.Now()
	sender.Registry().RequestCancel("out")
	assert.Equal(t, model.StatusCancelled, waitStatus(t, sendDone))
	assert.Less(t, time.Since(start), 5*time.Second)
}
