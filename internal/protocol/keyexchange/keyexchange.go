package keyexchange

import (
	"errors"
	"fmt"

	"lanchat/internal/cryptographic/dh"
	"lanchat/internal/model"
	"lanchat/internal/protocol/frame"
	"lanchat/internal/protocol/session"
)

// Initiate runs the dialing side: HELLO + our key, then WELCOME + theirs.
func Initiate(fc *frame.Conn, local *dh.Identity) (*session.Session, error) {
	if err := fc.WriteFrame(frame.Hello, local.PublicB64()); err != nil {
		return nil, handshakeErr("send hello", err)
	}

	line, err := fc.ReadLine()
	if err != nil {
		return nil, handshakeErr("read welcome", err)
	}
	if frame.Tag(line) != frame.Welcome {
		return nil, fmt.Errorf("%w: expected %s, got %q", model.ErrHandshake, frame.Welcome, line)
	}

	peerKey, err := readKey(fc)
	if err != nil {
		return nil, err
	}
	return derive(local, peerKey)
}

// Respond runs the accepting side: HELLO + their key, then WELCOME + ours.
func Respond(fc *frame.Conn, local *dh.Identity) (*session.Session, error) {
	line, err := fc.ReadLine()
	if err != nil {
		return nil, handshakeErr("read hello", err)
	}
	if frame.Tag(line) != frame.Hello {
		return nil, fmt.Errorf("%w: expected %s, got %q", model.ErrHandshake, frame.Hello, line)
	}

	peerKey, err := readKey(fc)
	if err != nil {
		return nil, err
	}

	if err := fc.WriteFrame(frame.Welcome, local.PublicB64()); err != nil {
		return nil, handshakeErr("send welcome", err)
	}
	return derive(local, peerKey)
}

func readKey(fc *frame.Conn) (string, error) {
	key, err := fc.ReadLine()
	if err != nil {
		return "", handshakeErr("read peer key", err)
	}
	if key == "" {
		return "", fmt.Errorf("%w: empty peer key", model.ErrHandshake)
	}
	return key, nil
}

func derive(local *dh.Identity, peerKey string) (*session.Session, error) {
	sess, err := session.Derive(local, peerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrHandshake, err)
	}
	return sess, nil
}

func handshakeErr(step string, err error) error {
	if errors.Is(err, model.ErrTimeout) {
		return fmt.Errorf("%w: %s: %w", model.ErrHandshake, step, err)
	}
	return fmt.Errorf("%w: %s: %v", model.ErrHandshake, step, err)
}
