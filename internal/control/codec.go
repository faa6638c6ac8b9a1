package control

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// gobCodecName is the content-subtype negotiated for this service: gRPC
// normally assumes protobuf, but no protoc run produced marshal/unmarshal
// code for the structs in control.go, so encoding/gob fills that role
// instead (spec §2: "a `gob`-based `encoding.Codec` rather than
// protobuf-generated stubs").
const gobCodecName = "gob"

// gobCodec implements google.golang.org/grpc/encoding.Codec.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("control: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("control: gob decode: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return gobCodecName }

var _ encoding.Codec = gobCodec{}
