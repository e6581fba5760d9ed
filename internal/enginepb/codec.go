package enginepb

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered as the content-subtype for every call this
// package makes, via grpc.CallContentSubtype.
const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec marshals our hand-authored message structs as JSON instead
// of protobuf wire format. It is registered once per process; see the
// package doc in messages.go for why.
type jsonCodec struct{}

func (jsonCodec) Name() string { return jsonCodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("enginepb: marshaling %T: %w", v, err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("enginepb: unmarshaling into %T: %w", v, err)
	}
	return nil
}

// CodecName is exported so callers (internal/enginetransport) can pass
// grpc.CallContentSubtype(enginepb.CodecName) on every invocation.
const CodecName = jsonCodecName
