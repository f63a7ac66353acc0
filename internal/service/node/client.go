package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lanchat/internal/model"
	"lanchat/internal/protocol/channel"
	"lanchat/internal/protocol/frame"
	"lanchat/internal/protocol/keyexchange"
	"lanchat/internal/protocol/session"
	transferRepo "lanchat/internal/repository/transfer"
)

// dial opens a fresh connection to to and runs the initiator handshake.
// Every outbound operation gets its own connection and session.
func (n *Node) dial(ctx context.Context, to model.Peer) (*frame.Conn, *session.Session, error) {
	d := net.Dialer{Timeout: n.opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", to.Addr())
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil, fmt.Errorf("dial %s: %w: %v", to, model.ErrTimeout, err)
		}
		return nil, nil, fmt.Errorf("dial %s: %w", to, err)
	}

	fc := frame.New(conn, n.opts.DialTimeout, n.opts.DialTimeout)
	stop := context.AfterFunc(ctx, fc.Interrupt)
	defer stop()

	sess, err := keyexchange.Initiate(fc, n.identity)
	if err != nil {
		fc.Close()
		return nil, nil, err
	}
	return fc, sess, nil
}

// SendText logs text as outgoing, delivers it and waits for the DELIVERED
// receipt. On error the line stays in the log as not delivered.
func (n *Node) SendText(ctx context.Context, to model.Peer, text string) (string, error) {
	id := uuid.NewString()
	line := model.ChatLine{ID: id, Text: text, Timestamp: n.now().UnixMilli()}
	if err := n.messages.AppendOutgoing(ctx, to, line); err != nil {
		return "", fmt.Errorf("store text: %w", err)
	}

	fc, sess, err := n.dial(ctx, to)
	if err != nil {
		return id, err
	}
	defer fc.Close()
	stop := context.AfterFunc(ctx, fc.Interrupt)
	defer stop()

	if err := channel.Send(fc, sess, model.TextOp(id, text)); err != nil {
		return id, err
	}

	reply, err := channel.Receive(fc, sess)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: connection closed before receipt", model.ErrProtocol)
		}
		return id, fmt.Errorf("await receipt: %w", err)
	}
	if reply.Type == model.OpReceipt && reply.Kind == model.ReceiptDelivered && reply.ID == id {
		if err := n.messages.MarkDelivered(ctx, to, id); err != nil {
			return id, fmt.Errorf("mark delivered: %w", err)
		}
		return id, nil
	}
	return id, fmt.Errorf("%w: unexpected reply %s", model.ErrProtocol, reply.Type)
}

func (n *Node) SendReadReceipt(ctx context.Context, to model.Peer, id string, at int64) error {
	fc, sess, err := n.dial(ctx, to)
	if err != nil {
		return err
	}
	defer fc.Close()

	return channel.Send(fc, sess, model.ReceiptOp(model.ReceiptRead, id, at))
}

// MarkConversationRead stamps every unread incoming line of a conversation
// and tells the peer. Receipts that fail to send are reported together; the
// lines stay marked locally.
func (n *Node) MarkConversationRead(ctx context.Context, with model.Peer) error {
	at := n.now().UnixMilli()
	ids, err := n.messages.MarkAllIncomingRead(ctx, with, at)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	var errs []error
	for _, id := range ids {
		if err := n.SendReadReceipt(ctx, with, id, at); err != nil {
			errs = append(errs, fmt.Errorf("receipt %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// SendFile offers the file at path to the peer and, once the connection is
// up, streams it in the background. The returned id tracks it in the
// registry; WaitTransfer blocks until it ends.
func (n *Node) SendFile(ctx context.Context, to model.Peer, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return "", err
	}
	if info.IsDir() {
		f.Close()
		return "", fmt.Errorf("%s is a directory", path)
	}

	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	id := transferRepo.NewID()
	n.registry.Create(id, model.Outgoing, to, name, mimeType, info.Size())

	fc, sess, err := n.dial(ctx, to)
	if err != nil {
		f.Close()
		n.registry.Transition(id, model.StatusFailed, model.TransferResult{Error: err.Error()})
		return id, err
	}

	n.log.Info("offering file", zap.String("transfer_id", id), zap.String("peer", to.Key()), zap.String("name", name), zap.Int64("size", info.Size()))
	n.goTask(func() {
		defer f.Close()
		n.engine.Send(n.ctx, fc, sess, id, model.FileOfferOp(name, mimeType, info.Size()), f)
	})
	return id, nil
}
