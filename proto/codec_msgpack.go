package proto

import "github.com/vmihailenco/msgpack/v5"

// MsgpackCodec encodes/decodes messages and replies as MessagePack.
// This is the default codec: integers, floats, text, and blobs all
// survive the round trip with their canonical types.
type MsgpackCodec struct{}

func (c *MsgpackCodec) EncodeMessage(m *Message) ([]byte, error) {
	return msgpack.Marshal(m)
}

func (c *MsgpackCodec) DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return NormalizeMessage(&m), nil
}

func (c *MsgpackCodec) EncodeReply(r *Reply) ([]byte, error) {
	return msgpack.Marshal(r)
}

func (c *MsgpackCodec) DecodeReply(data []byte) (*Reply, error) {
	var r Reply
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	r.Result = NormalizeResult(r.Result)
	return &r, nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
