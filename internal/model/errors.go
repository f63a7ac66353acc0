package model

import "errors"

var (
	ErrHandshake       = errors.New("handshake failed")
	ErrKeyAgreement    = errors.New("key agreement failed")
	ErrAuthentication  = errors.New("authentication failed")
	ErrProtocol        = errors.New("protocol error")
	ErrTimeout         = errors.New("timeout")
	ErrBlocked         = errors.New("peer is blocked")
	ErrUnknownTransfer = errors.New("unknown transfer")
)
