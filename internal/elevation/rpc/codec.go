// Package rpc serves published elevation maps over gRPC as the
// elevation.v1.MapService described in api/proto/elevation/v1/grid_map.proto.
// Messages are encoded with the hand-written protobuf wire codec in package
// export, so the service interoperates with any client generated from the
// .proto file.
package rpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/elevation.map/internal/elevation/export"
)

// GetMapRequest is elevation.v1.GetMapRequest.
type GetMapRequest struct{}

// StreamMapsRequest is elevation.v1.StreamMapsRequest.
type StreamMapsRequest struct{}

// wireCodec marshals the service's messages in protobuf wire format. It is
// registered under the "proto" name so the standard content type is used.
type wireCodec struct{}

// Codec returns the codec the server and client are configured with.
func Codec() encoding.Codec { return wireCodec{} }

func (wireCodec) Name() string { return "proto" }

func (wireCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *export.Message:
		return export.MarshalWire(*m)
	case *GetMapRequest, *StreamMapsRequest:
		return nil, nil
	default:
		return nil, fmt.Errorf("rpc: cannot marshal %T", v)
	}
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *export.Message:
		msg, err := export.UnmarshalWire(data)
		if err != nil {
			return err
		}
		*m = msg
		return nil
	case *GetMapRequest, *StreamMapsRequest:
		return skipFields(data)
	default:
		return fmt.Errorf("rpc: cannot unmarshal into %T", v)
	}
}

// skipFields checks that data is well-formed wire data. The request messages
// have no fields, so everything is unknown.
func skipFields(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
	}
	return nil
}
