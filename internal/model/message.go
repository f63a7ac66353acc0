package model

import (
	"encoding/json"
	"fmt"
)

type (
	OpType string

	ReceiptKind string

	Decision string

	// Operation is the decrypted payload of one ENC frame. Type selects which
	// of the remaining fields are meaningful.
	Operation struct {
		Type OpType `json:"type"`

		// TEXT and RCPT
		ID   string `json:"id,omitempty"`
		Body string `json:"body,omitempty"`

		// RCPT
		Kind ReceiptKind `json:"kind,omitempty"`
		At   int64       `json:"at,omitempty"`

		// RCPT DELIVERED; kept for the wire, receivers ignore it
		ConvPort int `json:"convPort,omitempty"`

		// FILE_OFFER
		Name string `json:"name,omitempty"`
		Mime string `json:"mime,omitempty"`
		Size *int64 `json:"size,omitempty"`

		// FILE_REPLY
		Decision Decision `json:"decision,omitempty"`
	}
)

const (
	OpText      OpType = "TEXT"
	OpReceipt   OpType = "RCPT"
	OpFileOffer OpType = "FILE_OFFER"
	OpFileReply OpType = "FILE_REPLY"

	ReceiptDelivered ReceiptKind = "DELIVERED"
	ReceiptRead      ReceiptKind = "READ"

	DecisionAccept Decision = "ACCEPT"
	DecisionReject Decision = "REJECT"
)

func TextOp(id, body string) Operation {
	return Operation{Type: OpText, ID: id, Body: body}
}

func ReceiptOp(kind ReceiptKind, id string, at int64) Operation {
	return Operation{Type: OpReceipt, Kind: kind, ID: id, At: at}
}

func FileOfferOp(name, mime string, size int64) Operation {
	return Operation{Type: OpFileOffer, Name: name, Mime: mime, Size: &size}
}

func FileReplyOp(d Decision) Operation {
	return Operation{Type: OpFileReply, Decision: d}
}

// OfferSize returns the advertised size, or -1 when the offer did not carry one.
func (o Operation) OfferSize() int64 {
	if o.Size == nil || *o.Size < 0 {
		return -1
	}
	return *o.Size
}

func (o Operation) Marshal() ([]byte, error) {
	return json.Marshal(o)
}

// UnmarshalOperation decodes a payload and checks that its type and the
// fields that type requires are present.
func UnmarshalOperation(data []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, fmt.Errorf("%w: decode payload: %v", ErrProtocol, err)
	}

	switch op.Type {
	case OpText:
	case OpReceipt:
		if op.Kind != ReceiptDelivered && op.Kind != ReceiptRead {
			return Operation{}, fmt.Errorf("%w: receipt kind %q", ErrProtocol, op.Kind)
		}
	case OpFileOffer:
		if op.Name == "" {
			op.Name = "file"
		}
	case OpFileReply:
		if op.Decision != DecisionAccept && op.Decision != DecisionReject {
			return Operation{}, fmt.Errorf("%w: file reply decision %q", ErrProtocol, op.Decision)
		}
	default:
		return Operation{}, fmt.Errorf("%w: operation type %q", ErrProtocol, op.Type)
	}
	return op, nil
}
