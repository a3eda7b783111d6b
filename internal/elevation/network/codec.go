// Package network receives point batches from the wire: live over UDP, one
// protobuf-encoded PointBatch per datagram, or replayed from a pcap capture of
// the same traffic.
package network

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang/geo/r3"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/banshee-data/elevation.map/internal/elevation/export"
	"github.com/banshee-data/elevation.map/internal/elevation/frames"
	"github.com/banshee-data/elevation.map/internal/elevation/points"
)

// ErrMalformedBatch is returned for datagrams that are not a valid PointBatch.
var ErrMalformedBatch = errors.New("malformed point batch")

// MaxDatagramSize is the largest UDP payload the listener accepts.
const MaxDatagramSize = 65507

// Field numbers of elevation.v1.PointBatch.
const (
	fieldFrameID      protowire.Number = 1
	fieldStampNanos   protowire.Number = 2
	fieldXYZ          protowire.Number = 3
	fieldSensorOrigin protowire.Number = 4
)

// EncodeBatch encodes b as a PointBatch. Coordinates are narrowed to float32.
func EncodeBatch(b points.Batch) []byte {
	out := make([]byte, 0, 32+len(b.Frame)+12*len(b.Points))
	if b.Frame != "" {
		out = protowire.AppendTag(out, fieldFrameID, protowire.BytesType)
		out = protowire.AppendString(out, string(b.Frame))
	}
	if !b.Timestamp.IsZero() {
		out = protowire.AppendTag(out, fieldStampNanos, protowire.VarintType)
		out = protowire.AppendVarint(out, protowire.EncodeZigZag(b.Timestamp.UnixNano()))
	}
	if len(b.Points) > 0 {
		out = protowire.AppendTag(out, fieldXYZ, protowire.BytesType)
		out = protowire.AppendVarint(out, uint64(12*len(b.Points)))
		for _, p := range b.Points {
			out = protowire.AppendFixed32(out, math.Float32bits(float32(p.X)))
			out = protowire.AppendFixed32(out, math.Float32bits(float32(p.Y)))
			out = protowire.AppendFixed32(out, math.Float32bits(float32(p.Z)))
		}
	}
	if (b.SensorOrigin != r3.Vector{}) {
		out = export.AppendPackedDoubles(out, fieldSensorOrigin,
			[]float64{b.SensorOrigin.X, b.SensorOrigin.Y, b.SensorOrigin.Z})
	}
	return out
}

// DecodeBatch parses a PointBatch. Unknown fields are skipped. Non-finite
// coordinates are kept; cleaning them is the pipeline's job.
func DecodeBatch(data []byte) (points.Batch, error) {
	var b points.Batch
	var xyz []float32
	var origin []float64
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return points.Batch{}, fmt.Errorf("%w: %w", ErrMalformedBatch, protowire.ParseError(n))
		}
		data = data[n:]

		var err error
		switch {
		case num == fieldFrameID && typ == protowire.BytesType:
			var s string
			s, n = protowire.ConsumeString(data)
			b.Frame = frames.FrameID(s)
		case num == fieldStampNanos && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(data)
			b.Timestamp = time.Unix(0, protowire.DecodeZigZag(v))
		case num == fieldXYZ:
			xyz, n, err = consumeFloats(data, typ, xyz)
		case num == fieldSensorOrigin:
			origin, n, err = export.ConsumeDoubles(data, typ, origin)
		case num == fieldFrameID || num == fieldStampNanos:
			err = fmt.Errorf("unexpected wire type %d", typ)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if err == nil && n < 0 {
			err = protowire.ParseError(n)
		}
		if err != nil {
			return points.Batch{}, fmt.Errorf("%w: field %d: %w", ErrMalformedBatch, num, err)
		}
		data = data[n:]
	}

	if len(xyz)%3 != 0 {
		return points.Batch{}, fmt.Errorf("%w: %d coordinates is not a whole number of points", ErrMalformedBatch, len(xyz))
	}
	switch len(origin) {
	case 0:
	case 3:
		b.SensorOrigin = r3.Vector{X: origin[0], Y: origin[1], Z: origin[2]}
	default:
		return points.Batch{}, fmt.Errorf("%w: sensor origin has %d elements", ErrMalformedBatch, len(origin))
	}

	b.Points = make([]points.Point, len(xyz)/3)
	for i := range b.Points {
		b.Points[i] = points.NewPoint(float64(xyz[3*i]), float64(xyz[3*i+1]), float64(xyz[3*i+2]))
	}
	return b, nil
}

func consumeFloats(b []byte, typ protowire.Type, dst []float32) ([]float32, int, error) {
	switch typ {
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return dst, n, protowire.ParseError(n)
		}
		return append(dst, math.Float32frombits(v)), n, nil
	case protowire.BytesType:
		payload, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, n, protowire.ParseError(n)
		}
		if len(payload)%4 != 0 {
			return dst, n, fmt.Errorf("packed floats length %d not a multiple of 4", len(payload))
		}
		for len(payload) > 0 {
			v, m := protowire.ConsumeFixed32(payload)
			if m < 0 {
				return dst, n, protowire.ParseError(m)
			}
			dst = append(dst, math.Float32frombits(v))
			payload = payload[m:]
		}
		return dst, n, nil
	default:
		return dst, 0, fmt.Errorf("unexpected wire type %d for float", typ)
	}
}
