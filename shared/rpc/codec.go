package rpc

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// CodecName is registered with google.golang.org/grpc/encoding and selected
// via grpc.CallContentSubtype / the server's ForceServerCodec option. It is
// the extension point that lets a gRPC channel carry plain Go structs
// instead of protoc-generated proto.Message values.
const CodecName = "fleetmesh-envelope"

func init() {
	encoding.RegisterCodec(envelopeCodec{})
}

// envelopeCodec implements encoding.Codec (formerly encoding.Codec / Compressor's
// sibling interface) for Envelope values using encoding/gob. gob is sufficient
// here because every message flows between exactly two binaries built from
// this module — both ends always agree on the Envelope type, so gob's
// reflection-based self-describing encoding carries no cross-version risk.
type envelopeCodec struct{}

func (envelopeCodec) Name() string { return CodecName }

func (envelopeCodec) Marshal(v any) ([]byte, error) {
	env, ok := v.(*Envelope)
	if !ok {
		return nil, fmt.Errorf("rpc: codec cannot marshal %T, want *rpc.Envelope", v)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("rpc: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (envelopeCodec) Unmarshal(data []byte, v any) error {
	env, ok := v.(*Envelope)
	if !ok {
		return fmt.Errorf("rpc: codec cannot unmarshal into %T, want *rpc.Envelope", v)
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(env); err != nil {
		return fmt.Errorf("rpc: gob decode: %w", err)
	}
	return nil
}
