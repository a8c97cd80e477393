package api

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// CodecName is the content subtype the service messages are carried under
const CodecName = "proto"

func init() {
	encoding.RegisterCodec(codec{})
}

// Message is a service message that encodes itself in the protobuf wire
// format
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}

// codec replaces the default proto codec. Service messages encode
// themselves; generated protobuf messages go through proto.
type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case Message:
		return m.Marshal()
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("proto codec: cannot marshal %T", v)
	}
}

func (codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case Message:
		if err := m.Unmarshal(data); err != nil {
			return fmt.Errorf("proto codec: %T: %w", v, err)
		}
		return nil
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("proto codec: cannot unmarshal %T", v)
	}
}

func (codec) Name() string {
	return CodecName
}
