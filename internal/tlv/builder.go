package tlv

import (
	"encoding/hex"
	"fmt"
)

// Builder accumulates items for a command payload. The first error sticks and
// is returned by Encode.
type Builder struct {
	items []TLV
	err   error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Bytes appends a raw value.
func (b *Builder) Bytes(tag Tag, value []byte) *Builder {
	if b.err != nil {
		return b
	}
	v := make([]byte, len(value))
	copy(v, value)
	b.items = append(b.items, TLV{Tag: tag, Value: v})
	return b
}

// OptionalBytes appends value only when it is non-empty.
func (b *Builder) OptionalBytes(tag Tag, value []byte) *Builder {
	if len(value) == 0 {
		return b
	}
	return b.Bytes(tag, value)
}

// String appends UTF-8 text.
func (b *Builder) String(tag Tag, value string) *Builder {
	return b.Bytes(tag, []byte(value))
}

// Hex appends a hex string decoded to bytes.
func (b *Builder) Hex(tag Tag, value string) *Builder {
	if b.err != nil {
		return b
	}
	raw, err := hex.DecodeString(value)
	if err != nil {
		b.err = fmt.Errorf("tlv: %s is not valid hex: %w", tag, err)
		return b
	}
	return b.Bytes(tag, raw)
}

// Byte appends a one-byte value.
func (b *Builder) Byte(tag Tag, value byte) *Builder {
	return b.Bytes(tag, []byte{value})
}

// Uint appends value as a big-endian integer of exactly size bytes.
func (b *Builder) Uint(tag Tag, value uint64, size int) *Builder {
	if b.err != nil {
		return b
	}
	if size < 1 || size > 8 {
		b.err = fmt.Errorf("tlv: invalid integer size %d for %s", size, tag)
		return b
	}
	if size < 8 && value >= 1<<(8*uint(size)) {
		b.err = fmt.Errorf("tlv: %d does not fit in %d bytes for %s", value, size, tag)
		return b
	}
	buf := make([]byte, size)
	for i := size - 1; i >= 0; i-- {
		buf[i] = byte(value)
		value >>= 8
	}
	return b.Bytes(tag, buf)
}

// Items returns the accumulated items.
func (b *Builder) Items() []TLV {
	return b.items
}

// Encode serializes the accumulated items.
func (b *Builder) Encode() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	return Encode(b.items...)
}
