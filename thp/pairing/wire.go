package pairing

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/TheusHen/thp/thp/protocol"
)

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintField(b, num, 1)
}

// field is one decoded protobuf field. For varints only x is set, for
// length-delimited fields only v.
type field struct {
	num protowire.Number
	typ protowire.Type
	v   []byte
	x   uint64
}

func wireError(msg string, n int) error {
	return fmt.Errorf("%w: %s: %v", protocol.ErrMalformedData, msg, protowire.ParseError(n))
}

// walk calls fn for every known-type field of b. Unknown wire types are
// skipped.
func walk(b []byte, fn func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return wireError("tag", n)
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.x, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return wireError("field", n)
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return wireError(fmt.Sprintf("field %d", num), n)
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// varints decodes a repeated varint field in packed or unpacked form.
func (f field) varints() ([]uint64, error) {
	if f.typ == protowire.VarintType {
		return []uint64{f.x}, nil
	}
	var out []uint64
	b := f.v
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, wireError("packed varint", n)
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}

func (f field) str() string { return string(f.v) }

func (f field) bytes() []byte { return append([]byte(nil), f.v...) }
