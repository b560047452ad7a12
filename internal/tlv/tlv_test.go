package tlv

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	return b
}

func TestEncode(t *testing.T) {
	long := bytes.Repeat([]byte{0xAB}, 300)

	tests := []struct {
		name  string
		items []TLV
		want  string
	}{
		{
			name:  "empty",
			items: nil,
			want:  "",
		},
		{
			name:  "card id",
			items: []TLV{{Tag: TagCardID, Value: mustHex(t, "cb79000000018201")}},
			want:  "0108cb79000000018201",
		},
		{
			name: "two items keep order",
			items: []TLV{
				{Tag: TagPin, Value: []byte{0x01}},
				{Tag: TagStatus, Value: []byte{0x02}},
			},
			want: "100101020102",
		},
		{
			name:  "zero length",
			items: []TLV{{Tag: TagUserData}},
			want:  "2a00",
		},
		{
			name:  "extended length",
			items: []TLV{{Tag: TagIssuerData, Value: long}},
			want:  "32ff012c" + hex.EncodeToString(long),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.items...)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if hex.EncodeToString(got) != tt.want {
				t.Errorf("Encode() = %x, want %s", got, tt.want)
			}
		})
	}
}

func TestEncodeRejectsOversizedValue(t *testing.T) {
	_, err := Encode(TLV{Tag: TagIssuerData, Value: make([]byte, MaxValueLength+1)})
	if !errors.Is(err, ErrValueTooLong) {
		t.Fatalf("Encode() error = %v, want ErrValueTooLong", err)
	}
}

func TestDecode(t *testing.T) {
	data := mustHex(t, "0108cb7900000001820102010280083132386420534b44")
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	want := List{
		{Tag: TagCardID, Value: mustHex(t, "cb79000000018201")},
		{Tag: TagStatus, Value: []byte{0x02}},
		{Tag: TagFirmware, Value: mustHex(t, "3132386420534b44")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Decode() mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeTruncated(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"tag only", "01"},
		{"short value", "010401"},
		{"short extended length", "32ff01"},
		{"short extended value", "32ff0003aabb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(mustHex(t, tt.data))
			if !errors.Is(err, ErrTruncated) {
				t.Errorf("Decode(%s) error = %v, want ErrTruncated", tt.data, err)
			}
		})
	}
}

func TestRoundTripExtendedLength(t *testing.T) {
	value := bytes.Repeat([]byte{0x5A}, 512)
	data, err := Encode(TLV{Tag: TagIssuerData, Value: value}, TLV{Tag: TagIssuerDataCounter, Value: []byte{0, 0, 0, 7}})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	list, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	got, err := list.Bytes(TagIssuerData)
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Error("issuer data changed across encode/decode")
	}
	counter, err := list.Uint(TagIssuerDataCounter)
	if err != nil || counter != 7 {
		t.Errorf("Uint() = %d, %v; want 7", counter, err)
	}
}

func TestListAccessors(t *testing.T) {
	list := List{
		{Tag: TagCardID, Value: mustHex(t, "bb03000000000004")},
		{Tag: TagManufacturerName, Value: []byte("TANGEM")},
		{Tag: TagWalletRemainingSignatures, Value: []byte{0x01, 0x00}},
	}

	id, err := list.Hex(TagCardID)
	if err != nil || id != "BB03000000000004" {
		t.Errorf("Hex() = %q, %v", id, err)
	}
	name, err := list.String(TagManufacturerName)
	if err != nil || name != "TANGEM" {
		t.Errorf("String() = %q, %v", name, err)
	}
	n, err := list.Uint(TagWalletRemainingSignatures)
	if err != nil || n != 256 {
		t.Errorf("Uint() = %d, %v; want 256", n, err)
	}

	_, err = list.Bytes(TagWalletPublicKey)
	var missing *MissingTagError
	if !errors.As(err, &missing) || missing.Tag != TagWalletPublicKey {
		t.Errorf("Bytes(missing) error = %v, want MissingTagError", err)
	}
	if _, ok, err := list.OptionalUint(TagUserCounter); ok || err != nil {
		t.Errorf("OptionalUint(absent) = ok %v, err %v", ok, err)
	}
	if got := list.OptionalString(TagIssuerName); got != "" {
		t.Errorf("OptionalString(absent) = %q", got)
	}
}

func TestBuilder(t *testing.T) {
	data, err := NewBuilder().
		Hex(TagCardID, "CB79000000018201").
		Uint(TagIssuerDataCounter, 5, 4).
		OptionalBytes(TagCVC, nil).
		Byte(TagMode, 1).
		Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := "0108cb79000000018201350400000005230101"
	if hex.EncodeToString(data) != want {
		t.Errorf("Encode() = %x, want %s", data, want)
	}
}

func TestBuilderErrors(t *testing.T) {
	tests := []struct {
		name string
		b    *Builder
	}{
		{"bad hex", NewBuilder().Hex(TagCardID, "zz")},
		{"integer overflow", NewBuilder().Uint(TagOffset, 0x1_0000, 2)},
		{"bad size", NewBuilder().Uint(TagOffset, 1, 9)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.b.Encode(); err == nil {
				t.Error("Encode() succeeded, want error")
			}
		})
	}
}
