package proto

// Codec defines the serialization contract for messages and replies
// crossing the handle/runtime boundary.
type Codec interface {
	// EncodeMessage serializes a message to bytes.
	EncodeMessage(m *Message) ([]byte, error)

	// DecodeMessage deserializes bytes into a message.
	DecodeMessage(data []byte) (*Message, error)

	// EncodeReply serializes a reply to bytes.
	EncodeReply(r *Reply) ([]byte, error)

	// DecodeReply deserializes bytes into a reply.
	DecodeReply(data []byte) (*Reply, error)

	// Name returns the codec identifier (e.g., "json", "msgpack").
	Name() string
}

// CodecName constants for codec selection.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns a codec by name. Defaults to MessagePack, which
// round-trips int64 and blob values without loss. The JSON codec is
// kept for diagnostics and interop; it widens integers to float64 and
// is not suitable for blob-heavy workloads.
func GetCodec(name string) Codec {
	switch name {
	case CodecNameJSON:
		return &JSONCodec{}
	case CodecNameMsgpack, "":
		return &MsgpackCodec{}
	default:
		return &MsgpackCodec{}
	}
}
