package channel

import (
	"fmt"

	"lanchat/internal/model"
	"lanchat/internal/protocol/frame"
	"lanchat/internal/protocol/session"
)

// Send encodes op as JSON, seals it and writes one ENC frame.
func Send(fc *frame.Conn, sess *session.Session, op model.Operation) error {
	data, err := op.Marshal()
	if err != nil {
		return fmt.Errorf("encode %s: %w", op.Type, err)
	}
	payload, err := sess.SealB64(data)
	if err != nil {
		return fmt.Errorf("seal %s: %w", op.Type, err)
	}
	if err := fc.WriteFrame(frame.Enc, payload); err != nil {
		return fmt.Errorf("write %s: %w", op.Type, err)
	}
	return nil
}

// Receive reads one ENC frame and decodes the operation inside it. Any other
// tag is a protocol error.
func Receive(fc *frame.Conn, sess *session.Session) (model.Operation, error) {
	if err := fc.Expect(frame.Enc); err != nil {
		return model.Operation{}, err
	}
	return ReceivePayload(fc, sess)
}

// ReceivePayload decodes the payload line of an ENC frame whose tag the
// caller has already consumed.
func ReceivePayload(fc *frame.Conn, sess *session.Session) (model.Operation, error) {
	payload, err := fc.ReadPayload()
	if err != nil {
		return model.Operation{}, err
	}
	plain, err := sess.OpenB64(payload)
	if err != nil {
		return model.Operation{}, err
	}
	return model.UnmarshalOperation(plain)
}
