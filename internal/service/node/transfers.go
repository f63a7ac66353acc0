package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"lanchat/internal/model"
)

// AcceptOffer starts receiving a pending offer into path, or into a fresh
// file under the download directory when path is empty. It returns once the
// transfer is running; progress is visible in the registry.
func (n *Node) AcceptOffer(id, path string) (string, error) {
	p, ok := n.takePending(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", model.ErrUnknownTransfer, id)
	}

	if path == "" {
		path = filepath.Join(n.opts.DownloadDir, SafeName(p.offer.Name))
	}
	f, path, err := createUnique(path)
	if err != nil {
		p.fc.Close()
		n.registry.Transition(id, model.StatusFailed, model.TransferResult{Error: err.Error()})
		return "", err
	}

	n.goTask(func() {
		status := n.engine.Receive(n.ctx, p.fc, p.sess, id, f, path)
		if status != model.StatusDone {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				n.log.Warn("remove partial file failed", zap.String("transfer_id", id), zap.String("path", path), zap.Error(err))
			}
		}
	})
	return path, nil
}

// RejectOffer declines a pending offer.
func (n *Node) RejectOffer(id string) error {
	p, ok := n.takePending(id)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownTransfer, id)
	}
	n.goTask(func() {
		n.engine.Reject(p.fc, p.sess, id)
	})
	return nil
}

// CancelTransfer drops a pending offer or asks a running transfer, in either
// direction, to stop. Cancelling a finished transfer is a no-op.
func (n *Node) CancelTransfer(id string) error {
	if p, ok := n.takePending(id); ok {
		p.fc.Close()
		n.registry.Transition(id, model.StatusCancelled, model.TransferResult{})
		return nil
	}

	snap, ok := n.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUnknownTransfer, id)
	}
	if snap.Status.Terminal() {
		return nil
	}
	n.registry.RequestCancel(id)
	return nil
}

// WaitTransfer blocks until id reaches a terminal status or ctx ends.
func (n *Node) WaitTransfer(ctx context.Context, id string) (model.TransferSnapshot, error) {
	updates, stop := n.registry.Subscribe()
	defer stop()

	for {
		select {
		case <-ctx.Done():
			snap, _ := n.registry.Get(id)
			return snap, ctx.Err()
		case m := <-updates:
			snap, ok := m[id]
			if !ok {
				return model.TransferSnapshot{}, fmt.Errorf("%w: %s", model.ErrUnknownTransfer, id)
			}
			if snap.Status.Terminal() {
				return snap, nil
			}
		}
	}
}

// SafeName reduces an offered file name to a single path element.
func SafeName(name string) string {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if name == "/" || name == "." || name == "" {
		return "file"
	}
	return name
}

// createUnique creates path, or "name (n).ext" next to it if path exists.
func createUnique(path string) (*os.File, string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	candidate := path
	for i := 1; i < 1000; i++ {
		f, err := os.OpenFile(candidate, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !os.IsExist(err) {
			return nil, "", err
		}
		candidate = base + " (" + strconv.Itoa(i) + ")" + ext
	}
	return nil, "", fmt.Errorf("no free file name for %s", path)
}
