// Package tlv implements the tag-length-value encoding used in Tangem card
// command and response payloads.
//
// Each item is a one-byte tag followed by a length and the value. Lengths
// below 0xFF take one byte; longer values are written as 0xFF followed by a
// two-byte big-endian length.
package tlv

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// MaxValueLength is the largest value a single item can carry.
const MaxValueLength = 0xFFFF

var (
	// ErrTruncated is returned when a payload ends in the middle of an item.
	ErrTruncated = errors.New("tlv: truncated payload")
	// ErrValueTooLong is returned when encoding a value longer than MaxValueLength.
	ErrValueTooLong = errors.New("tlv: value too long")
)

// MissingTagError reports a required tag absent from a decoded payload.
type MissingTagError struct {
	Tag Tag
}

func (e *MissingTagError) Error() string {
	return fmt.Sprintf("tlv: missing required tag %s", e.Tag)
}

// TLV is a single decoded item.
type TLV struct {
	Tag   Tag
	Value []byte
}

func (t TLV) String() string {
	return fmt.Sprintf("%s[%d]: %s", t.Tag, len(t.Value), strings.ToUpper(hex.EncodeToString(t.Value)))
}

// Encode serializes items in order.
func Encode(items ...TLV) ([]byte, error) {
	var out []byte
	for _, item := range items {
		n := len(item.Value)
		if n > MaxValueLength {
			return nil, fmt.Errorf("%w: %s has %d bytes", ErrValueTooLong, item.Tag, n)
		}
		out = append(out, byte(item.Tag))
		if n < 0xFF {
			out = append(out, byte(n))
		} else {
			out = append(out, 0xFF, byte(n>>8), byte(n))
		}
		out = append(out, item.Value...)
	}
	return out, nil
}

// Decode parses a payload into its items. An empty payload yields an empty List.
func Decode(data []byte) (List, error) {
	var items List
	for i := 0; i < len(data); {
		tag := Tag(data[i])
		i++
		if i >= len(data) {
			return nil, ErrTruncated
		}
		n := int(data[i])
		i++
		if n == 0xFF {
			if i+2 > len(data) {
				return nil, ErrTruncated
			}
			n = int(binary.BigEndian.Uint16(data[i : i+2]))
			i += 2
		}
		if i+n > len(data) {
			return nil, ErrTruncated
		}
		value := make([]byte, n)
		copy(value, data[i:i+n])
		items = append(items, TLV{Tag: tag, Value: value})
		i += n
	}
	return items, nil
}

// List is a decoded payload with typed accessors.
type List []TLV

// Has reports whether tag is present.
func (l List) Has(tag Tag) bool {
	_, ok := l.Lookup(tag)
	return ok
}

// Lookup returns the value of the first item with tag.
func (l List) Lookup(tag Tag) ([]byte, bool) {
	for _, item := range l {
		if item.Tag == tag {
			return item.Value, true
		}
	}
	return nil, false
}

// Bytes returns the value of a required tag.
func (l List) Bytes(tag Tag) ([]byte, error) {
	v, ok := l.Lookup(tag)
	if !ok {
		return nil, &MissingTagError{Tag: tag}
	}
	return v, nil
}

// String returns a required tag decoded as UTF-8 text.
func (l List) String(tag Tag) (string, error) {
	v, err := l.Bytes(tag)
	if err != nil {
		return "", err
	}
	return string(v), nil
}

// Hex returns a required tag as an upper-case hex string, the format used for card IDs.
func (l List) Hex(tag Tag) (string, error) {
	v, err := l.Bytes(tag)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(v)), nil
}

// Uint returns a required tag decoded as a big-endian unsigned integer of up to 8 bytes.
func (l List) Uint(tag Tag) (uint64, error) {
	v, err := l.Bytes(tag)
	if err != nil {
		return 0, err
	}
	if len(v) > 8 {
		return 0, fmt.Errorf("tlv: %s holds %d bytes, too long for an integer", tag, len(v))
	}
	var n uint64
	for _, b := range v {
		n = n<<8 | uint64(b)
	}
	return n, nil
}

// OptionalUint is like Uint but returns ok=false when the tag is absent.
func (l List) OptionalUint(tag Tag) (uint64, bool, error) {
	if !l.Has(tag) {
		return 0, false, nil
	}
	n, err := l.Uint(tag)
	return n, err == nil, err
}

// OptionalString is like String but returns "" when the tag is absent.
func (l List) OptionalString(tag Tag) string {
	v, _ := l.Lookup(tag)
	return string(v)
}
