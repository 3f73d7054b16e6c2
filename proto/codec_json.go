package proto

import "encoding/json"

// JSONCodec encodes/decodes messages and replies as JSON. Useful for
// diagnostics and cross-language interop; note that JSON has no integer
// or blob types, so int64 values decode as float64 and []byte values as
// base64 strings.
type JSONCodec struct{}

func (c *JSONCodec) EncodeMessage(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func (c *JSONCodec) DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return NormalizeMessage(&m), nil
}

func (c *JSONCodec) EncodeReply(r *Reply) ([]byte, error) {
	return json.Marshal(r)
}

func (c *JSONCodec) DecodeReply(data []byte) (*Reply, error) {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	r.Result = NormalizeResult(r.Result)
	return &r, nil
}

func (c *JSONCodec) Name() string { return CodecNameJSON }
