package node

import (
	"lanchat/internal/model"
)

type (
	// Notifier is told about inbound events that need the user's attention.
	// Implementations must not block.
	Notifier interface {
		IncomingText(msg model.IncomingText)
		FileOffer(offer model.FileOffer)
		Receipt(peer model.Peer, kind model.ReceiptKind, id string, at int64)
	}

	// Notifiers fans every event out to each member.
	Notifiers []Notifier

	NopNotifier struct{}
)

func (ns Notifiers) IncomingText(msg model.IncomingText) {
	for _, n := range ns {
		n.IncomingText(msg)
	}
}

func (ns Notifiers) FileOffer(offer model.FileOffer) {
	for _, n := range ns {
		n.FileOffer(offer)
	}
}

func (ns Notifiers) Receipt(peer model.Peer, kind model.ReceiptKind, id string, at int64) {
	for _, n := range ns {
		n.Receipt(peer, kind, id, at)
	}
}

func (NopNotifier) IncomingText(model.IncomingText)                    {}
func (NopNotifier) FileOffer(model.FileOffer)                          {}
func (NopNotifier) Receipt(model.Peer, model.ReceiptKind, string, int64) {}
