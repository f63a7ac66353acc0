package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"lanchat/internal/model"
	"lanchat/internal/protocol/channel"
	"lanchat/internal/protocol/frame"
	"lanchat/internal/protocol/session"
	transferRepo "lanchat/internal/repository/transfer"
	"lanchat/internal/utils/log"
)

const (
	DefaultChunkSize    = 128 << 10
	DefaultIdleTimeout  = 30 * time.Second
	DefaultReplyTimeout = 2 * time.Minute

	// cancelGrace is how long one side keeps reading after a failed write or
	// a sent CANCEL so the other side's CANCEL or close can be observed.
	cancelGrace = 2 * time.Second
)

type (
	Options struct {
		ChunkSize    int
		IdleTimeout  time.Duration
		ReplyTimeout time.Duration
	}

	// Engine drives the chunked streaming sub-protocol on either side of a
	// connection and records every state change in the registry.
	Engine struct {
		registry *transferRepo.Registry
		opts     Options
		log      *zap.Logger
	}

	// Sink receives decrypted file bytes. Close is called before the
	// transfer is marked DONE so buffered data errors still fail it.
	Sink interface {
		io.Writer
		Close() error
	}
)

func NewEngine(registry *transferRepo.Registry, opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	return &Engine{
		registry: registry,
		opts:     opts,
		log:      log.Named("transfer"),
	}
}

func (e *Engine) Registry() *transferRepo.Registry {
	return e.registry
}

// Send runs the whole outgoing path on an established session: offer, wait
// for the reply, then stream src. The snapshot for id must already exist.
// It always closes fc and returns the terminal status it recorded.
func (e *Engine) Send(ctx context.Context, fc *frame.Conn, sess *session.Session, id string, offer model.Operation, src io.Reader) model.TransferStatus {
	defer fc.Close()

	accepted, err := e.offer(ctx, fc, sess, id, offer)
	if err != nil {
		if e.localCancelled(ctx, id) {
			return e.finish(id, model.StatusCancelled, model.TransferResult{})
		}
		return e.finish(id, model.StatusFailed, model.TransferResult{Error: err.Error()})
	}
	if !accepted {
		return e.finish(id, model.StatusRejected, model.TransferResult{})
	}

	size := offer.OfferSize()
	if size >= 0 {
		src = io.LimitReader(src, size)
	}
	return e.stream(ctx, fc, sess, id, size, src)
}

func (e *Engine) offer(ctx context.Context, fc *frame.Conn, sess *session.Session, id string, offer model.Operation) (bool, error) {
	if err := channel.Send(fc, sess, offer); err != nil {
		return false, err
	}

	fc.SetIdle(e.opts.ReplyTimeout, e.opts.IdleTimeout)
	stop := e.watchCancel(ctx, id, fc)
	defer stop()

	reply, err := channel.Receive(fc, sess)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return false, errors.New("no reply")
		}
		return false, err
	}
	if reply.Type != model.OpFileReply {
		return false, fmt.Errorf("%w: expected %s, got %s", model.ErrProtocol, model.OpFileReply, reply.Type)
	}
	return reply.Decision == model.DecisionAccept, nil
}

// stream writes DATA, the chunks and END. size is the offered size, or -1.
func (e *Engine) stream(ctx context.Context, fc *frame.Conn, sess *session.Session, id string, size int64, src io.Reader) model.TransferStatus {
	if e.localCancelled(ctx, id) {
		return e.abort(fc, id)
	}
	fc.SetIdle(0, e.opts.IdleTimeout)

	stopWatch := e.watchCancel(ctx, id, fc)
	defer stopWatch()
	abort := func() model.TransferStatus {
		stopWatch()
		return e.abort(fc, id)
	}

	if err := fc.WriteTag(frame.Data); err != nil {
		if e.localCancelled(ctx, id) {
			return abort()
		}
		return e.finish(id, model.StatusFailed, model.TransferResult{Error: err.Error()})
	}

	var peerCancelled atomic.Bool
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		e.watchPeer(fc, &peerCancelled)
	}()
	defer func() {
		fc.Close()
		<-readerDone
	}()

	cancelled := func() bool {
		return peerCancelled.Load() || e.localCancelled(ctx, id)
	}

	buf := make([]byte, e.opts.ChunkSize)
	var sent int64
	for {
		if cancelled() {
			return abort()
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			payload, err := sess.SealB64(buf[:n])
			if err != nil {
				return e.finish(id, model.StatusFailed, model.TransferResult{Error: err.Error()})
			}
			if err := fc.WriteFrame(frame.Chunk, payload); err != nil {
				return e.writeFailed(id, err, readerDone, cancelled, abort)
			}
			sent += int64(n)
			e.registry.UpdateProgress(id, sent)

			if cancelled() {
				return abort()
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return e.finish(id, model.StatusFailed, model.TransferResult{Error: fmt.Sprintf("read source: %v", rerr)})
		}
	}

	if cancelled() {
		return abort()
	}
	// No END: the receiver sees the close and fails too.
	if size >= 0 && sent != size {
		return e.finish(id, model.StatusFailed, model.TransferResult{
			Error: fmt.Sprintf("source shorter than offered: %d of %d bytes", sent, size),
		})
	}
	if err := fc.WriteTag(frame.End); err != nil {
		return e.writeFailed(id, err, readerDone, cancelled, abort)
	}
	return e.finish(id, model.StatusDone, model.TransferResult{})
}

// writeFailed gives the peer reader a moment to surface a CANCEL that raced
// with the broken write before settling on FAILED.
func (e *Engine) writeFailed(id string, err error, readerDone <-chan struct{}, cancelled func() bool, abort func() model.TransferStatus) model.TransferStatus {
	if !cancelled() {
		select {
		case <-readerDone:
		case <-time.After(cancelGrace):
		}
	}
	if cancelled() {
		return abort()
	}
	return e.finish(id, model.StatusFailed, model.TransferResult{Error: err.Error()})
}

// watchPeer only looks for an unsolicited CANCEL. It never surfaces data; on
// CANCEL it interrupts the writer so a full socket buffer cannot stall it.
func (e *Engine) watchPeer(fc *frame.Conn, peerCancelled *atomic.Bool) {
	for {
		tag, err := fc.ReadTag()
		if err != nil {
			return
		}
		switch tag {
		case frame.Cancel:
			peerCancelled.Store(true)
			fc.Interrupt()
			return
		case frame.Enc:
			if _, err := fc.ReadLine(); err != nil {
				return
			}
		}
	}
}

// Reject answers a pending offer negatively and closes the connection.
func (e *Engine) Reject(fc *frame.Conn, sess *session.Session, id string) model.TransferStatus {
	defer fc.Close()
	if err := channel.Send(fc, sess, model.FileReplyOp(model.DecisionReject)); err != nil {
		e.log.Debug("send reject failed", zap.String("transfer_id", id), zap.Error(err))
	}
	return e.finish(id, model.StatusRejected, model.TransferResult{})
}

// Receive accepts a pending offer and streams the file into dst. It always
// closes fc and returns the terminal status it recorded.
func (e *Engine) Receive(ctx context.Context, fc *frame.Conn, sess *session.Session, id string, dst Sink, savedLocation string) model.TransferStatus {
	defer fc.Close()

	status, msg := e.receive(ctx, fc, sess, id, dst)
	closeErr := dst.Close()

	switch {
	case status == model.StatusCancelled, e.localCancelled(ctx, id):
		return e.finish(id, model.StatusCancelled, model.TransferResult{})
	case status == model.StatusFailed:
		return e.finish(id, status, model.TransferResult{Error: msg})
	case closeErr != nil:
		return e.finish(id, model.StatusFailed, model.TransferResult{Error: fmt.Sprintf("write destination: %v", closeErr)})
	}
	return e.finish(id, model.StatusDone, model.TransferResult{SavedLocation: savedLocation})
}

func (e *Engine) receive(ctx context.Context, fc *frame.Conn, sess *session.Session, id string, dst io.Writer) (model.TransferStatus, string) {
	if err := channel.Send(fc, sess, model.FileReplyOp(model.DecisionAccept)); err != nil {
		return model.StatusFailed, err.Error()
	}

	fc.SetIdle(e.opts.IdleTimeout, e.opts.IdleTimeout)
	stop := e.watchCancel(ctx, id, fc)
	defer stop()

	tag, err := fc.ReadTag()
	if err != nil {
		if e.localCancelled(ctx, id) {
			return e.cancelReceive(fc, id, stop)
		}
		if errors.Is(err, model.ErrTimeout) {
			return model.StatusFailed, "timeout waiting for data"
		}
		return model.StatusFailed, err.Error()
	}
	switch tag {
	case frame.Data:
	case frame.Cancel:
		return model.StatusCancelled, ""
	default:
		return model.StatusFailed, fmt.Sprintf("protocol error: expected %s, got %s", frame.Data, tag)
	}

	size := int64(-1)
	if snap, ok := e.registry.Get(id); ok {
		size = snap.Size
	}

	var copied int64
	for {
		if e.localCancelled(ctx, id) {
			return e.cancelReceive(fc, id, stop)
		}

		tag, err := fc.ReadTag()
		if err != nil {
			if e.localCancelled(ctx, id) {
				return e.cancelReceive(fc, id, stop)
			}
			return model.StatusFailed, err.Error()
		}

		switch tag {
		case frame.Chunk:
			payload, err := fc.ReadPayload()
			if err != nil {
				if e.localCancelled(ctx, id) {
					return e.cancelReceive(fc, id, stop)
				}
				return model.StatusFailed, err.Error()
			}
			plain, err := sess.OpenB64(payload)
			if err != nil {
				return model.StatusFailed, err.Error()
			}
			if size >= 0 && copied+int64(len(plain)) > size {
				return model.StatusFailed, fmt.Sprintf("protocol error: peer sent more than the offered %d bytes", size)
			}
			if _, err := dst.Write(plain); err != nil {
				return model.StatusFailed, fmt.Sprintf("write destination: %v", err)
			}
			copied += int64(len(plain))
			e.registry.UpdateProgress(id, copied)
		case frame.End:
			if size >= 0 && copied != size {
				return model.StatusFailed, fmt.Sprintf("protocol error: stream ended after %d of the offered %d bytes", copied, size)
			}
			return model.StatusDone, ""
		case frame.Cancel:
			return model.StatusCancelled, ""
		default:
			return model.StatusFailed, fmt.Sprintf("protocol error: unexpected %s", tag)
		}
	}
}

// watchCancel interrupts fc once the transfer is cancelled locally or ctx
// ends. The returned func stops the watcher and waits for it, so no
// interrupt can land after it returns. It may be called more than once.
func (e *Engine) watchCancel(ctx context.Context, id string, fc *frame.Conn) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	cancelCh := e.registry.CancelChan(id)
	go func() {
		defer close(exited)
		select {
		case <-cancelCh:
			fc.Interrupt()
		case <-ctx.Done():
			fc.Interrupt()
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

func (e *Engine) localCancelled(ctx context.Context, id string) bool {
	return ctx.Err() != nil || e.registry.IsCancelled(id)
}

// sendCancel clears any interrupt and writes CANCEL, giving up after
// cancelGrace if the peer is not reading.
func (e *Engine) sendCancel(fc *frame.Conn, id string) {
	fc.Resume()
	fc.SetIdle(cancelGrace, cancelGrace)
	if err := fc.WriteTag(frame.Cancel); err != nil {
		e.log.Debug("notify peer of cancel failed", zap.String("transfer_id", id), zap.Error(err))
	}
}

// cancelReceive records CANCELLED, tells the sender to stop and then discards
// what is still in flight for at most cancelGrace, so closing our end does
// not reset the connection under the CANCEL we just wrote.
func (e *Engine) cancelReceive(fc *frame.Conn, id string, stopWatch func()) (model.TransferStatus, string) {
	stopWatch()
	e.finish(id, model.StatusCancelled, model.TransferResult{})
	e.sendCancel(fc, id)
	fc.Drain(cancelGrace)
	return model.StatusCancelled, ""
}

func (e *Engine) abort(fc *frame.Conn, id string) model.TransferStatus {
	e.sendCancel(fc, id)
	fc.Close()
	return e.finish(id, model.StatusCancelled, model.TransferResult{})
}

// finish records the terminal status; the registry turns it into CANCELLED
// if a local cancel request got there first.
func (e *Engine) finish(id string, status model.TransferStatus, res model.TransferResult) model.TransferStatus {
	if recorded, ok := e.registry.Transition(id, status, res); ok {
		fields := []zap.Field{zap.String("transfer_id", id), zap.String("status", string(recorded))}
		if res.Error != "" && recorded == model.StatusFailed {
			fields = append(fields, zap.String("error", res.Error))
		}
		e.log.Info("transfer finished", fields...)
	}
	e.registry.ClearCancel(id)
	if snap, ok := e.registry.Get(id); ok {
		return snap.Status
	}
	return status
}
