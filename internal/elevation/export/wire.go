package export

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of elevation.v1.GridMap, see api/proto/elevation/v1/grid_map.proto.
const (
	fieldResolution  protowire.Number = 1
	fieldLength      protowire.Number = 2
	fieldWidth       protowire.Number = 3
	fieldRows        protowire.Number = 4
	fieldCols        protowire.Number = 5
	fieldParentFrame protowire.Number = 6
	fieldMapFrame    protowire.Number = 7
	fieldOrigin      protowire.Number = 8
	fieldStampNanos  protowire.Number = 9
	fieldHeight      protowire.Number = 10
	fieldVariance    protowire.Number = 11
)

// MarshalWire encodes m in protobuf wire format.
func MarshalWire(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, 0, 96+16*len(m.Height)+16*len(m.Variance))
	b = appendDouble(b, fieldResolution, m.Resolution)
	b = appendDouble(b, fieldLength, m.Length)
	b = appendDouble(b, fieldWidth, m.Width)
	b = protowire.AppendTag(b, fieldRows, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Rows))
	b = protowire.AppendTag(b, fieldCols, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Cols))
	if m.ParentFrame != "" {
		b = protowire.AppendTag(b, fieldParentFrame, protowire.BytesType)
		b = protowire.AppendString(b, m.ParentFrame)
	}
	if m.MapFrame != "" {
		b = protowire.AppendTag(b, fieldMapFrame, protowire.BytesType)
		b = protowire.AppendString(b, m.MapFrame)
	}
	b = AppendPackedDoubles(b, fieldOrigin, m.Origin[:])
	if !m.Stamp.IsZero() {
		b = protowire.AppendTag(b, fieldStampNanos, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.Stamp.UnixNano()))
	}
	b = AppendPackedDoubles(b, fieldHeight, m.Height)
	b = AppendPackedDoubles(b, fieldVariance, m.Variance)
	return b, nil
}

// UnmarshalWire decodes a protobuf wire GridMap. Unknown fields are skipped.
func UnmarshalWire(b []byte) (Message, error) {
	var m Message
	var origin []float64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]

		var err error
		switch num {
		case fieldResolution:
			m.Resolution, n, err = consumeDouble(b, typ)
		case fieldLength:
			m.Length, n, err = consumeDouble(b, typ)
		case fieldWidth:
			m.Width, n, err = consumeDouble(b, typ)
		case fieldRows:
			var v uint64
			v, n, err = consumeVarint(b, typ)
			m.Rows = int(v)
		case fieldCols:
			var v uint64
			v, n, err = consumeVarint(b, typ)
			m.Cols = int(v)
		case fieldParentFrame:
			m.ParentFrame, n, err = consumeString(b, typ)
		case fieldMapFrame:
			m.MapFrame, n, err = consumeString(b, typ)
		case fieldOrigin:
			origin, n, err = ConsumeDoubles(b, typ, origin)
		case fieldStampNanos:
			var v uint64
			v, n, err = consumeVarint(b, typ)
			m.Stamp = time.Unix(0, protowire.DecodeZigZag(v))
		case fieldHeight:
			m.Height, n, err = ConsumeDoubles(b, typ, m.Height)
		case fieldVariance:
			m.Variance, n, err = ConsumeDoubles(b, typ, m.Variance)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return Message{}, fmt.Errorf("%w: field %d: %w", ErrMalformedMessage, num, err)
		}
		b = b[n:]
	}

	if len(origin) != 0 && len(origin) != 16 {
		return Message{}, fmt.Errorf("%w: origin has %d elements", ErrMalformedMessage, len(origin))
	}
	copy(m.Origin[:], origin)
	if m.Height == nil {
		m.Height = []float64{}
	}
	if m.Variance == nil {
		m.Variance = []float64{}
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

// AppendPackedDoubles appends a packed repeated double field.
func AppendPackedDoubles(b []byte, num protowire.Number, vs []float64) []byte {
	if len(vs) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(8*len(vs)))
	for _, v := range vs {
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return b
}

// ConsumeDoubles decodes a repeated double field in either packed or
// unpacked form and appends the values to dst.
func ConsumeDoubles(b []byte, typ protowire.Type, dst []float64) ([]float64, int, error) {
	switch typ {
	case protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return dst, n, protowire.ParseError(n)
		}
		return append(dst, math.Float64frombits(v)), n, nil
	case protowire.BytesType:
		payload, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return dst, n, protowire.ParseError(n)
		}
		if len(payload)%8 != 0 {
			return dst, n, fmt.Errorf("packed doubles length %d not a multiple of 8", len(payload))
		}
		for len(payload) > 0 {
			v, m := protowire.ConsumeFixed64(payload)
			if m < 0 {
				return dst, n, protowire.ParseError(m)
			}
			dst = append(dst, math.Float64frombits(v))
			payload = payload[m:]
		}
		return dst, n, nil
	default:
		return dst, 0, fmt.Errorf("unexpected wire type %d for double", typ)
	}
}

func consumeDouble(b []byte, typ protowire.Type) (float64, int, error) {
	if typ != protowire.Fixed64Type {
		return 0, 0, fmt.Errorf("unexpected wire type %d for double", typ)
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, n, protowire.ParseError(n)
	}
	return math.Float64frombits(v), n, nil
}

func consumeVarint(b []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("unexpected wire type %d for varint", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, n, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(b []byte, typ protowire.Type) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, fmt.Errorf("unexpected wire type %d for string", typ)
	}
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", n, protowire.ParseError(n)
	}
	return v, n, nil
}
