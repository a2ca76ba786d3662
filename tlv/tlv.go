// Package tlv implements the binary type-length-value encoding for handler
// kwargs, a faster alternative to JSON for flat scalar argument maps.
//
// Layout: magic byte 0xFA, entry count (u16), then per entry a 1-byte name
// length, the name bytes, a 1-byte type tag, and a tag-specific value.
// Integers are encoded in the smallest width that represents them exactly;
// decoders widen every integer back to int64 (uint64 above MaxInt64) so the
// binary path is observationally equivalent to a JSON round trip.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Magic is the leading byte of every TLV-encoded kwargs payload.
// 0xFA is a UTF-8 continuation-range byte and can never begin valid JSON
// text, so a single-byte check disambiguates the two formats.
const Magic = 0xFA

// Type tags for entry values.
const (
	TagNull    = 0x00
	TagBool    = 0x01
	TagInt8    = 0x02
	TagInt16   = 0x03
	TagInt32   = 0x04
	TagInt64   = 0x05
	TagUint8   = 0x06
	TagUint16  = 0x07
	TagUint32  = 0x08
	TagUint64  = 0x09
	TagFloat32 = 0x0A
	TagFloat64 = 0x0B
	TagStr8    = 0x0C
	TagStr16   = 0x0D
	TagStr32   = 0x0E
)

// MaxEntries is the maximum number of entries in one payload (u16 count).
const MaxEntries = math.MaxUint16

// MaxNameLen is the maximum kwarg name length in bytes (u8 prefix).
const MaxNameLen = math.MaxUint8

// ErrUnsupportedType is returned when Encode meets a value that is not nil,
// bool, integer, float, or string. Nested structures take the JSON path.
var ErrUnsupportedType = errors.New("tlv: unsupported value type")

// DecodeError represents a corrupt or truncated TLV stream.
type DecodeError struct {
	Offset int
	Msg    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("tlv: %s at offset %d", e.Msg, e.Offset)
}

// IsBinaryFormat reports whether data begins with the TLV magic byte.
// O(1); safe to call on arbitrary payloads including JSON text.
func IsBinaryFormat(data []byte) bool {
	return len(data) > 0 && data[0] == Magic
}

// Encode serializes a flat kwargs map. Keys are written in sorted order so
// encoding is deterministic. Fails with ErrUnsupportedType for any value
// outside the scalar set.
func Encode(kwargs map[string]any) ([]byte, error) {
	if len(kwargs) > MaxEntries {
		return nil, fmt.Errorf("tlv: %d entries exceeds maximum %d", len(kwargs), MaxEntries)
	}

	names := make([]string, 0, len(kwargs))
	for name := range kwargs {
		if len(name) > MaxNameLen {
			return nil, fmt.Errorf("tlv: name %q exceeds %d bytes", name, MaxNameLen)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	buf := make([]byte, 3, 3+16*len(kwargs))
	buf[0] = Magic
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(kwargs)))

	for _, name := range names {
		buf = append(buf, byte(len(name)))
		buf = append(buf, name...)

		var err error
		buf, err = appendValue(buf, kwargs[name])
		if err != nil {
			return nil, fmt.Errorf("tlv: kwarg %q: %w", name, err)
		}
	}
	return buf, nil
}

// appendValue appends the type tag and value bytes for a single scalar.
func appendValue(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, TagNull), nil
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		return append(buf, TagBool, b), nil
	case int:
		return appendInt(buf, int64(val)), nil
	case int8:
		return appendInt(buf, int64(val)), nil
	case int16:
		return appendInt(buf, int64(val)), nil
	case int32:
		return appendInt(buf, int64(val)), nil
	case int64:
		return appendInt(buf, val), nil
	case uint:
		return appendUint(buf, uint64(val)), nil
	case uint8:
		return appendUint(buf, uint64(val)), nil
	case uint16:
		return appendUint(buf, uint64(val)), nil
	case uint32:
		return appendUint(buf, uint64(val)), nil
	case uint64:
		return appendUint(buf, val), nil
	case float32:
		// Always encode float64; the float32 tag exists for decode
		// compatibility only.
		return appendFloat(buf, float64(val)), nil
	case float64:
		return appendFloat(buf, val), nil
	case string:
		return appendString(buf, val), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// appendInt picks the smallest width holding v. Non-negative values use the
// unsigned tags so the width choice matches the value's magnitude.
func appendInt(buf []byte, v int64) []byte {
	if v >= 0 {
		return appendUint(buf, uint64(v))
	}
	switch {
	case v >= math.MinInt8:
		return append(buf, TagInt8, byte(int8(v)))
	case v >= math.MinInt16:
		buf = append(buf, TagInt16)
		return binary.LittleEndian.AppendUint16(buf, uint16(int16(v)))
	case v >= math.MinInt32:
		buf = append(buf, TagInt32)
		return binary.LittleEndian.AppendUint32(buf, uint32(int32(v)))
	default:
		buf = append(buf, TagInt64)
		return binary.LittleEndian.AppendUint64(buf, uint64(v))
	}
}

func appendUint(buf []byte, v uint64) []byte {
	switch {
	case v <= math.MaxUint8:
		return append(buf, TagUint8, byte(v))
	case v <= math.MaxUint16:
		buf = append(buf, TagUint16)
		return binary.LittleEndian.AppendUint16(buf, uint16(v))
	case v <= math.MaxUint32:
		buf = append(buf, TagUint32)
		return binary.LittleEndian.AppendUint32(buf, uint32(v))
	default:
		buf = append(buf, TagUint64)
		return binary.LittleEndian.AppendUint64(buf, v)
	}
}

func appendFloat(buf []byte, v float64) []byte {
	buf = append(buf, TagFloat64)
	return binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
}

// appendString picks the smallest length-prefix tier for the string.
func appendString(buf []byte, s string) []byte {
	switch {
	case len(s) <= math.MaxUint8:
		buf = append(buf, TagStr8, byte(len(s)))
	case len(s) <= math.MaxUint16:
		buf = append(buf, TagStr16)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	default:
		buf = append(buf, TagStr32)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	}
	return append(buf, s...)
}

// Decode deserializes a TLV payload back into a kwargs map.
// Integer values come back as int64 (or uint64 when above MaxInt64),
// floats as float64, matching what the JSON path produces.
func Decode(data []byte) (map[string]any, error) {
	if !IsBinaryFormat(data) {
		return nil, &DecodeError{Offset: 0, Msg: "missing magic byte"}
	}
	if len(data) < 3 {
		return nil, &DecodeError{Offset: len(data), Msg: "truncated header"}
	}

	count := int(binary.LittleEndian.Uint16(data[1:3]))
	kwargs := make(map[string]any, count)
	off := 3

	for i := 0; i < count; i++ {
		if off >= len(data) {
			return nil, &DecodeError{Offset: off, Msg: "truncated entry name length"}
		}
		nameLen := int(data[off])
		off++

		if off+nameLen > len(data) {
			return nil, &DecodeError{Offset: off, Msg: "truncated entry name"}
		}
		name := string(data[off : off+nameLen])
		off += nameLen

		value, n, err := decodeValue(data, off)
		if err != nil {
			return nil, err
		}
		kwargs[name] = value
		off += n
	}

	if off != len(data) {
		return nil, &DecodeError{Offset: off, Msg: fmt.Sprintf("%d trailing bytes", len(data)-off)}
	}
	return kwargs, nil
}

// decodeValue decodes one tagged value at data[off:], returning the value
// and the number of bytes consumed (tag included).
func decodeValue(data []byte, off int) (any, int, error) {
	if off >= len(data) {
		return nil, 0, &DecodeError{Offset: off, Msg: "truncated type tag"}
	}
	tag := data[off]
	body := data[off+1:]

	need := func(n int) error {
		if len(body) < n {
			return &DecodeError{Offset: off, Msg: fmt.Sprintf("tag 0x%02x needs %d value bytes, have %d", tag, n, len(body))}
		}
		return nil
	}

	switch tag {
	case TagNull:
		return nil, 1, nil
	case TagBool:
		if err := need(1); err != nil {
			return nil, 0, err
		}
		return body[0] != 0, 2, nil
	case TagInt8:
		if err := need(1); err != nil {
			return nil, 0, err
		}
		return int64(int8(body[0])), 2, nil
	case TagInt16:
		if err := need(2); err != nil {
			return nil, 0, err
		}
		return int64(int16(binary.LittleEndian.Uint16(body))), 3, nil
	case TagInt32:
		if err := need(4); err != nil {
			return nil, 0, err
		}
		return int64(int32(binary.LittleEndian.Uint32(body))), 5, nil
	case TagInt64:
		if err := need(8); err != nil {
			return nil, 0, err
		}
		return int64(binary.LittleEndian.Uint64(body)), 9, nil
	case TagUint8:
		if err := need(1); err != nil {
			return nil, 0, err
		}
		return int64(body[0]), 2, nil
	case TagUint16:
		if err := need(2); err != nil {
			return nil, 0, err
		}
		return int64(binary.LittleEndian.Uint16(body)), 3, nil
	case TagUint32:
		if err := need(4); err != nil {
			return nil, 0, err
		}
		return int64(binary.LittleEndian.Uint32(body)), 5, nil
	case TagUint64:
		if err := need(8); err != nil {
			return nil, 0, err
		}
		v := binary.LittleEndian.Uint64(body)
		// Values representable as int64 come back signed so the binary and
		// JSON paths produce comparable results.
		if v <= math.MaxInt64 {
			return int64(v), 9, nil
		}
		return v, 9, nil
	case TagFloat32:
		if err := need(4); err != nil {
			return nil, 0, err
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(body))), 5, nil
	case TagFloat64:
		if err := need(8); err != nil {
			return nil, 0, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(body)), 9, nil
	case TagStr8:
		if err := need(1); err != nil {
			return nil, 0, err
		}
		n := int(body[0])
		if err := need(1 + n); err != nil {
			return nil, 0, err
		}
		return string(body[1 : 1+n]), 2 + n, nil
	case TagStr16:
		if err := need(2); err != nil {
			return nil, 0, err
		}
		n := int(binary.LittleEndian.Uint16(body))
		if err := need(2 + n); err != nil {
			return nil, 0, err
		}
		return string(body[2 : 2+n]), 3 + n, nil
	case TagStr32:
		if err := need(4); err != nil {
			return nil, 0, err
		}
		n := int(binary.LittleEndian.Uint32(body))
		if err := need(4 + n); err != nil {
			return nil, 0, err
		}
		return string(body[4 : 4+n]), 5 + n, nil
	default:
		return nil, 0, &DecodeError{Offset: off, Msg: fmt.Sprintf("unknown type tag 0x%02x", tag)}
	}
}
