package p2p

import (
	"errors"
	"fmt"

	"github.com/echenim/bftnode/internal/codec"
	"github.com/echenim/bftnode/internal/types"
)

// MessageType identifies the type of consensus message on the wire.
type MessageType byte

const (
	MsgPropose     MessageType = 0x01
	MsgVote        MessageType = 0x02
	MsgSyncRequest MessageType = 0x03
	MsgSyncReply   MessageType = 0x04
)

// MaxMessageSize is the maximum allowed message size (4 MB).
const MaxMessageSize = 4 * 1024 * 1024

func (mt MessageType) String() string {
	switch mt {
	case MsgPropose:
		return "propose"
	case MsgVote:
		return "vote"
	case MsgSyncRequest:
		return "sync_request"
	case MsgSyncReply:
		return "sync_reply"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(mt))
	}
}

// Envelope wraps a typed message for wire encoding.
type Envelope struct {
	Type    MessageType
	Payload []byte
}

// Encode serializes the envelope as [type_byte | cbor_payload].
func (e *Envelope) Encode() []byte {
	buf := make([]byte, 1+len(e.Payload))
	buf[0] = byte(e.Type)
	copy(buf[1:], e.Payload)
	return buf
}

// DecodeEnvelope parses a wire-format message into an Envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, errors.New("p2p: empty message")
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("p2p: message too large: %d > %d", len(data), MaxMessageSize)
	}
	return &Envelope{
		Type:    MessageType(data[0]),
		Payload: data[1:],
	}, nil
}

// SyncRequest is the wire body of a MsgSyncRequest: a replica asking a
// peer for the block identified by Digest, so its synchronizer can
// resolve a missing ancestor.
type SyncRequest struct {
	Digest    types.Hash      `cbor:"digest"`
	Requester types.PublicKey `cbor:"requester"`
}

// EncodeBlock serializes a Block (used for both MsgPropose and
// MsgSyncReply) into wire format.
func EncodeBlock(b *types.Block, mt MessageType) ([]byte, error) {
	payload, err := codec.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("p2p: marshal block: %w", err)
	}
	env := &Envelope{Type: mt, Payload: payload}
	return env.Encode(), nil
}

// DecodeBlock deserializes a Block from canonical-CBOR payload bytes.
func DecodeBlock(payload []byte) (*types.Block, error) {
	var b types.Block
	if err := codec.Unmarshal(payload, &b); err != nil {
		return nil, fmt.Errorf("p2p: unmarshal block: %w", err)
	}
	return &b, nil
}

// EncodeVote serializes a Vote into wire format.
func EncodeVote(v *types.Vote) ([]byte, error) {
	payload, err := codec.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("p2p: marshal vote: %w", err)
	}
	env := &Envelope{Type: MsgVote, Payload: payload}
	return env.Encode(), nil
}

// DecodeVote deserializes a Vote from canonical-CBOR payload bytes.
func DecodeVote(payload []byte) (*types.Vote, error) {
	var v types.Vote
	if err := codec.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("p2p: unmarshal vote: %w", err)
	}
	return &v, nil
}

// EncodeSyncRequest serializes a SyncRequest into wire format.
func EncodeSyncRequest(req *SyncRequest) ([]byte, error) {
	payload, err := codec.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("p2p: marshal sync request: %w", err)
	}
	env := &Envelope{Type: MsgSyncRequest, Payload: payload}
	return env.Encode(), nil
}

// DecodeSyncRequest deserializes a SyncRequest from canonical-CBOR payload bytes.
func DecodeSyncRequest(payload []byte) (*SyncRequest, error) {
	var req SyncRequest
	if err := codec.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("p2p: unmarshal sync request: %w", err)
	}
	return &req, nil
}

// DecodeMessage decodes a wire-format message into its type and domain
// object. Returns (MessageType, *types.Block|*types.Vote|*SyncRequest, error).
func DecodeMessage(data []byte) (MessageType, interface{}, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return 0, nil, err
	}

	switch env.Type {
	case MsgPropose, MsgSyncReply:
		b, err := DecodeBlock(env.Payload)
		return env.Type, b, err
	case MsgVote:
		v, err := DecodeVote(env.Payload)
		return MsgVote, v, err
	case MsgSyncRequest:
		req, err := DecodeSyncRequest(env.Payload)
		return MsgSyncRequest, req, err
	default:
		return env.Type, nil, fmt.Errorf("p2p: unknown message type: 0x%02x", byte(env.Type))
	}
}
