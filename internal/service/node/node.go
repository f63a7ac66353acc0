package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"lanchat/internal/cryptographic/dh"
	"lanchat/internal/model"
	"lanchat/internal/protocol/channel"
	"lanchat/internal/protocol/frame"
	"lanchat/internal/protocol/keyexchange"
	"lanchat/internal/protocol/session"
	"lanchat/internal/repository/peer"
	transferRepo "lanchat/internal/repository/transfer"
	"lanchat/internal/service/transfer"
	"lanchat/internal/utils/log"
)

const (
	DefaultDialTimeout  = 8 * time.Second
	DefaultIdleTimeout  = 30 * time.Second
	DefaultOfferTimeout = transfer.DefaultReplyTimeout
)

type (
	// MessageLog is the conversation store the node writes to.
	MessageLog interface {
		AppendOutgoing(ctx context.Context, peer model.Peer, line model.ChatLine) error
		SubmitIncoming(ctx context.Context, peer model.Peer, line model.ChatLine) (bool, error)
		MarkDelivered(ctx context.Context, peer model.Peer, id string) error
		MarkRead(ctx context.Context, peer model.Peer, id string, at int64) error
		MarkAllIncomingRead(ctx context.Context, peer model.Peer, at int64) ([]string, error)
		Conversations(ctx context.Context) ([]model.Peer, error)
	}

	// Stats counts what the dispatcher sees.
	Stats interface {
		Connection(outcome string)
		Operation(op model.OpType)
	}

	Options struct {
		ListenAddr   string
		DialTimeout  time.Duration
		IdleTimeout  time.Duration
		OfferTimeout time.Duration
		DownloadDir  string
		Stats        Stats
	}

	nopStats struct{}

	// Node accepts inbound connections, dispatches the single operation each
	// one carries, and opens outbound connections for local sends.
	Node struct {
		identity *dh.Identity
		engine   *transfer.Engine
		registry *transferRepo.Registry
		messages MessageLog
		blocks   peer.BlockList
		notifier Notifier
		opts     Options
		log      *zap.Logger
		now      func() time.Time

		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup

		mu      sync.Mutex
		ln      net.Listener
		port    int
		pending map[string]*pendingTransfer
	}

	// pendingTransfer holds an inbound offer's open connection until the
	// local user decides.
	pendingTransfer struct {
		fc    *frame.Conn
		sess  *session.Session
		offer model.FileOffer
		timer *time.Timer
	}
)

func NewNode(identity *dh.Identity, engine *transfer.Engine, messages MessageLog, blocks peer.BlockList, notifier Notifier, opts Options) *Node {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.OfferTimeout <= 0 {
		opts.OfferTimeout = DefaultOfferTimeout
	}
	if opts.DownloadDir == "" {
		opts.DownloadDir = "."
	}
	if blocks == nil {
		blocks = peer.NewStaticBlockList()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if opts.Stats == nil {
		opts.Stats = nopStats{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		identity: identity,
		engine:   engine,
		registry: engine.Registry(),
		messages: messages,
		blocks:   blocks,
		notifier: notifier,
		opts:     opts,
		log:      log.Named("node"),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*pendingTransfer),
	}
}

func (n *Node) Registry() *transferRepo.Registry {
	return n.registry
}

func (n *Node) Identity() *dh.Identity {
	return n.identity
}

// Listen binds the listen address. Serve calls it if needed.
func (n *Node) Listen() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", n.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", n.opts.ListenAddr, err)
	}
	n.ln = ln
	n.port = ln.Addr().(*net.TCPAddr).Port
	return nil
}

// Port is the bound listen port, which also names inbound conversations.
func (n *Node) Port() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.port
}

// Serve accepts connections until ctx ends or Close is called. Errors on a
// single connection never stop the loop.
func (n *Node) Serve(ctx context.Context) error {
	if err := n.Listen(); err != nil {
		return err
	}

	n.mu.Lock()
	ln := n.ln
	n.mu.Unlock()

	n.log.Info("listening", zap.String("addr", ln.Addr().String()))

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil || n.ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff *= 2; backoff > time.Second {
					backoff = time.Second
				}
				n.log.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.handle(conn)
		}()
	}
}

// Close stops the listener, drops pending offers and cancels every transfer
// this node is running, then waits for them.
func (n *Node) Close() error {
	n.cancel()

	n.mu.Lock()
	var err error
	if n.ln != nil {
		err = n.ln.Close()
	}
	pending := n.pending
	n.pending = make(map[string]*pendingTransfer)
	n.mu.Unlock()

	for id, p := range pending {
		p.timer.Stop()
		p.fc.Close()
		n.registry.Transition(id, model.StatusCancelled, model.TransferResult{})
	}

	n.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func remoteHost(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return model.NormalizeHost(tcp.IP.String())
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return model.NormalizeHost(addr.String())
	}
	return model.NormalizeHost(host)
}

func (n *Node) handle(conn net.Conn) {
	from := model.NewPeer(remoteHost(conn.RemoteAddr()), n.Port())
	logger := n.log.With(zap.String("peer", from.Key()))

	fc := frame.New(conn, n.opts.IdleTimeout, n.opts.IdleTimeout)
	keep, err := n.dispatch(fc, from, logger)
	switch {
	case err == nil:
		n.opts.Stats.Connection("ok")
	case errors.Is(err, model.ErrBlocked):
		n.opts.Stats.Connection("blocked")
		logger.Info("refused connection", zap.Error(err))
	case errors.Is(err, model.ErrHandshake), errors.Is(err, model.ErrKeyAgreement):
		n.opts.Stats.Connection("handshake_failed")
		logger.Warn("handle connection failed", zap.Error(err))
	default:
		n.opts.Stats.Connection("error")
		logger.Warn("handle connection failed", zap.Error(err))
	}
	if !keep {
		fc.Close()
	}
}

// dispatch runs the responder handshake and handles the one operation the
// connection carries. keep reports whether ownership of fc moved elsewhere.
// Blocked peers are refused before the handshake.
func (n *Node) dispatch(fc *frame.Conn, from model.Peer, logger *zap.Logger) (keep bool, err error) {
	if n.isBlocked(from) {
		return false, model.ErrBlocked
	}

	sess, err := keyexchange.Respond(fc, n.identity)
	if err != nil {
		return false, err
	}

	op, err := channel.Receive(fc, sess)
	if err != nil {
		return false, err
	}

	n.opts.Stats.Operation(op.Type)

	ctx, cancel := context.WithTimeout(n.ctx, n.opts.IdleTimeout)
	defer cancel()

	switch op.Type {
	case model.OpText:
		return false, n.onText(ctx, fc, sess, from, op)
	case model.OpReceipt:
		return false, n.onReceipt(ctx, from, op)
	case model.OpFileOffer:
		return n.onFileOffer(fc, sess, from, op, logger)
	}
	return false, fmt.Errorf("%w: unexpected %s on a fresh connection", model.ErrProtocol, op.Type)
}

func (n *Node) onText(ctx context.Context, fc *frame.Conn, sess *session.Session, from model.Peer, op model.Operation) error {
	if op.ID == "" {
		return fmt.Errorf("%w: text without id", model.ErrProtocol)
	}

	line := model.ChatLine{ID: op.ID, Text: op.Body, Timestamp: n.now().UnixMilli()}
	added, err := n.messages.SubmitIncoming(ctx, from, line)
	if err != nil {
		return fmt.Errorf("store text: %w", err)
	}
	if added {
		n.notifier.IncomingText(model.IncomingText{Peer: from, ID: op.ID, Text: op.Body})
	}

	ack := model.ReceiptOp(model.ReceiptDelivered, op.ID, n.now().UnixMilli())
	ack.ConvPort = from.Port
	return channel.Send(fc, sess, ack)
}

func (n *Node) onReceipt(ctx context.Context, from model.Peer, op model.Operation) error {
	switch op.Kind {
	case model.ReceiptDelivered:
		if err := n.messages.MarkDelivered(ctx, from, op.ID); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
	case model.ReceiptRead:
		at := op.At
		if at == 0 {
			at = n.now().UnixMilli()
		}
		if err := n.messages.MarkRead(ctx, from, op.ID, at); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}

		// the same host may be known under another port
		convs, err := n.messages.Conversations(ctx)
		if err != nil {
			return fmt.Errorf("list conversations: %w", err)
		}
		for _, c := range convs {
			if c.Host == from.Host && c.Port != from.Port {
				if err := n.messages.MarkRead(ctx, c, op.ID, at); err != nil {
					n.log.Debug("mark read on sibling conversation failed", zap.String("peer", c.Key()), zap.Error(err))
				}
			}
		}
	}
	n.notifier.Receipt(from, op.Kind, op.ID, op.At)
	return nil
}

func (n *Node) onFileOffer(fc *frame.Conn, sess *session.Session, from model.Peer, op model.Operation, logger *zap.Logger) (bool, error) {
	// the block list may have changed during the handshake
	if n.isBlocked(from) {
		return false, fmt.Errorf("file offer: %w", model.ErrBlocked)
	}

	id := transferRepo.NewID()
	offer := model.FileOffer{TransferID: id, Peer: from, Name: op.Name, Mime: op.Mime, Size: op.OfferSize()}
	snap, _ := n.registry.Create(id, model.Incoming, from, offer.Name, offer.Mime, offer.Size)
	offer.Size = snap.Size

	p := &pendingTransfer{fc: fc, sess: sess, offer: offer}
	n.mu.Lock()
	if n.ctx.Err() != nil {
		n.mu.Unlock()
		n.registry.Transition(id, model.StatusCancelled, model.TransferResult{})
		return false, nil
	}
	p.timer = time.AfterFunc(n.opts.OfferTimeout, func() { n.expireOffer(id) })
	n.pending[id] = p
	n.mu.Unlock()

	logger.Info("file offer received", zap.String("transfer_id", id), zap.String("name", offer.Name), zap.Int64("size", offer.Size))
	n.notifier.FileOffer(offer)
	return true, nil
}

func (n *Node) expireOffer(id string) {
	p, ok := n.takePending(id)
	if !ok {
		return
	}
	p.fc.Close()
	n.registry.Transition(id, model.StatusFailed, model.TransferResult{Error: "offer expired"})
	n.log.Info("file offer expired", zap.String("transfer_id", id))
}

func (n *Node) takePending(id string) (*pendingTransfer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.pending[id]
	if !ok {
		return nil, false
	}
	delete(n.pending, id)
	p.timer.Stop()
	return p, true
}

// PendingOffers lists inbound offers still waiting for a decision.
func (n *Node) PendingOffers() []model.FileOffer {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]model.FileOffer, 0, len(n.pending))
	for _, p := range n.pending {
		out = append(out, p.offer)
	}
	return out
}

func (n *Node) isBlocked(p model.Peer) bool {
	ctx, cancel := context.WithTimeout(n.ctx, n.opts.DialTimeout)
	defer cancel()

	blocked, err := n.blocks.IsBlocked(ctx, p)
	if err != nil {
		// fail closed
		n.log.Error("block list lookup failed", zap.String("peer", p.Key()), zap.Error(err))
		return true
	}
	return blocked
}

func (nopStats) Connection(string)      {}
func (nopStats) Operation(model.OpType) {}

// goTask runs fn in the background; Close waits for it.
func (n *Node) goTask(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}
