// Package tlv decodes and encodes the BER-TLV objects used by ICAO LDS files
// and ISO 7816 command data.
//
// Tags are returned as the big-endian value of their identifier octets, so the
// two-byte MRZ tag reads as 0x5F1F and the biometric template as 0x7F61.
// Only definite lengths up to four length octets are accepted.
package tlv

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when an object extends past the input.
	ErrTruncated = errors.New("tlv: truncated object")
	// ErrIndefinite is returned for the BER indefinite length form.
	ErrIndefinite = errors.New("tlv: indefinite length not supported")
)

// Object is a single decoded tag-length-value triple.
type Object struct {
	Tag   uint32
	Value []byte
}

// Constructed reports whether the object's tag has the constructed bit set.
func (o Object) Constructed() bool { return IsConstructed(o.Tag) }

// Children decodes the value of a constructed object.
func (o Object) Children() (Objects, error) {
	if !o.Constructed() {
		return nil, fmt.Errorf("tlv: tag %X is primitive", o.Tag)
	}
	return DecodeAll(o.Value)
}

// Objects is a sequence of sibling objects.
type Objects []Object

// Get returns the first object with the given tag.
func (s Objects) Get(tag uint32) (Object, bool) {
	for _, o := range s {
		if o.Tag == tag {
			return o, true
		}
	}
	return Object{}, false
}

// All returns every object with the given tag in input order.
func (s Objects) All(tag uint32) Objects {
	var out Objects
	for _, o := range s {
		if o.Tag == tag {
			out = append(out, o)
		}
	}
	return out
}

// IsConstructed reports whether bit 6 of the first identifier octet is set.
func IsConstructed(tag uint32) bool {
	first := tag
	for first > 0xFF {
		first >>= 8
	}
	return first&0x20 != 0
}

// ReadTag parses the identifier octets at the start of b.
func ReadTag(b []byte) (tag uint32, n int, err error) {
	if len(b) == 0 {
		return 0, 0, ErrTruncated
	}
	tag = uint32(b[0])
	n = 1
	if b[0]&0x1F != 0x1F {
		return tag, n, nil
	}
	for {
		if n >= len(b) {
			return 0, 0, ErrTruncated
		}
		if n >= 4 {
			return 0, 0, fmt.Errorf("tlv: tag longer than 4 bytes")
		}
		tag = tag<<8 | uint32(b[n])
		n++
		if b[n-1]&0x80 == 0 {
			return tag, n, nil
		}
	}
}

// ReadLength parses the length octets at the start of b.
func ReadLength(b []byte) (length int, n int, err error) {
	if len(b) == 0 {
		return 0, 0, ErrTruncated
	}
	first := b[0]
	switch {
	case first < 0x80:
		return int(first), 1, nil
	case first == 0x80:
		return 0, 0, ErrIndefinite
	}
	count := int(first & 0x7F)
	if count > 4 {
		return 0, 0, fmt.Errorf("tlv: %d length octets not supported", count)
	}
	if len(b) < 1+count {
		return 0, 0, ErrTruncated
	}
	for i := 1; i <= count; i++ {
		length = length<<8 | int(b[i])
	}
	if length < 0 {
		return 0, 0, fmt.Errorf("tlv: length overflow")
	}
	return length, 1 + count, nil
}

// Header returns the tag of the object starting at b, the size of its tag and
// length octets, and the declared value length. The value itself does not
// need to be present, which lets callers size a file from its first bytes.
func Header(b []byte) (tag uint32, headerLen, valueLen int, err error) {
	tag, tn, err := ReadTag(b)
	if err != nil {
		return 0, 0, 0, err
	}
	valueLen, ln, err := ReadLength(b[tn:])
	if err != nil {
		return 0, 0, 0, err
	}
	return tag, tn + ln, valueLen, nil
}

// Decode parses one object from b and returns the remaining bytes.
func Decode(b []byte) (Object, []byte, error) {
	tag, hl, vl, err := Header(b)
	if err != nil {
		return Object{}, nil, err
	}
	if len(b)-hl < vl {
		return Object{}, nil, fmt.Errorf("%w: tag %X declares %d bytes, %d present", ErrTruncated, tag, vl, len(b)-hl)
	}
	return Object{Tag: tag, Value: b[hl : hl+vl]}, b[hl+vl:], nil
}

// DecodeAll parses consecutive objects until b is exhausted.
// Padding bytes of 0x00 or 0xFF between objects are skipped.
func DecodeAll(b []byte) (Objects, error) {
	var out Objects
	for len(b) > 0 {
		if b[0] == 0x00 || b[0] == 0xFF {
			b = b[1:]
			continue
		}
		o, rest, err := Decode(b)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
		b = rest
	}
	return out, nil
}

// DecodeExact parses b as a single object with the given tag. Trailing bytes
// after the declared length are an error.
func DecodeExact(b []byte, tag uint32) (Object, error) {
	o, rest, err := Decode(b)
	if err != nil {
		return Object{}, err
	}
	if o.Tag != tag {
		return Object{}, fmt.Errorf("tlv: expected tag %X, got %X", tag, o.Tag)
	}
	if len(rest) != 0 {
		return Object{}, fmt.Errorf("tlv: %d trailing bytes after tag %X", len(rest), tag)
	}
	return o, nil
}

// EncodeTag returns the identifier octets for tag.
func EncodeTag(tag uint32) []byte {
	switch {
	case tag > 0xFFFFFF:
		return []byte{byte(tag >> 24), byte(tag >> 16), byte(tag >> 8), byte(tag)}
	case tag > 0xFFFF:
		return []byte{byte(tag >> 16), byte(tag >> 8), byte(tag)}
	case tag > 0xFF:
		return []byte{byte(tag >> 8), byte(tag)}
	default:
		return []byte{byte(tag)}
	}
}

// EncodeLength returns the minimal definite length octets for n.
func EncodeLength(n int) []byte {
	switch {
	case n < 0x80:
		return []byte{byte(n)}
	case n <= 0xFF:
		return []byte{0x81, byte(n)}
	case n <= 0xFFFF:
		return []byte{0x82, byte(n >> 8), byte(n)}
	case n <= 0xFFFFFF:
		return []byte{0x83, byte(n >> 16), byte(n >> 8), byte(n)}
	default:
		return []byte{0x84, byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	}
}

// Encode returns the full encoding of tag and value.
func Encode(tag uint32, value []byte) []byte {
	t := EncodeTag(tag)
	l := EncodeLength(len(value))
	out := make([]byte, 0, len(t)+len(l)+len(value))
	out = append(out, t...)
	out = append(out, l...)
	return append(out, value...)
}

// EncodeConstructed encodes tag around the concatenation of children.
func EncodeConstructed(tag uint32, children ...[]byte) []byte {
	var value []byte
	for _, c := range children {
		value = append(value, c...)
	}
	return Encode(tag, value)
}
