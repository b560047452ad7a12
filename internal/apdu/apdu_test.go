package apdu

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/tlv"
)

func TestCRC16(t *testing.T) {
	tests := []struct {
		data string
		want string
	}{
		{"", "6363"},
		{"0000", "a01e"},
		{"1234", "26cf"},
		{"0108cb79000000018201", "34b0"},
	}

	for _, tt := range tests {
		data, _ := hex.DecodeString(tt.data)
		if got := hex.EncodeToString(CRC16(data)); got != tt.want {
			t.Errorf("CRC16(%s) = %s, want %s", tt.data, got, tt.want)
		}
	}
}

func TestCommandBytes(t *testing.T) {
	long := bytes.Repeat([]byte{0x01}, 300)

	tests := []struct {
		name string
		cmd  *CommandApdu
		want string
	}{
		{
			name: "no data",
			cmd:  NewCommand(InsDepersonalize, nil),
			want: "00e30000",
		},
		{
			name: "short data",
			cmd:  &CommandApdu{CLA: ClaTangem, INS: InsRead, P1: 0x01, Data: []byte{0x10, 0x01, 0xAA}, Le: -1},
			want: "00f20100031001aa",
		},
		{
			name: "short data with le",
			cmd:  &CommandApdu{CLA: ClaTangem, INS: InsRead, Data: []byte{0xAA}, Le: 0},
			want: "00f2000001aa00",
		},
		{
			name: "extended data",
			cmd:  NewCommand(InsSign, long),
			want: "00fb000000012c" + hex.EncodeToString(long),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hex.EncodeToString(tt.cmd.Bytes()); got != tt.want {
				t.Errorf("Bytes() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseCommandInvertsBytes(t *testing.T) {
	cmds := []*CommandApdu{
		NewCommand(InsDepersonalize, nil),
		NewCommand(InsRead, []byte{0x10, 0x01, 0xAA}),
		NewCommand(InsSign, bytes.Repeat([]byte{0x02}, 400)),
		{CLA: ClaTangem, INS: InsCheckWallet, P1: 2, Data: []byte{1, 2}, Le: 0},
	}

	for _, cmd := range cmds {
		t.Run(cmd.INS.String(), func(t *testing.T) {
			got, err := ParseCommand(cmd.Bytes())
			if err != nil {
				t.Fatalf("ParseCommand() error = %v", err)
			}
			if got.INS != cmd.INS || got.P1 != cmd.P1 || got.Le != cmd.Le || !bytes.Equal(got.Data, cmd.Data) {
				t.Errorf("ParseCommand() = %+v, want %+v", got, cmd)
			}
		})
	}

	if _, err := ParseCommand([]byte{0x00, 0xF2}); err == nil {
		t.Error("ParseCommand() accepted a 2-byte frame")
	}
}

func TestParseResponse(t *testing.T) {
	resp, err := ParseResponse([]byte{0x01, 0x02, 0x6A, 0x86})
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if resp.SW != SWInvalidParams || !bytes.Equal(resp.Data, []byte{0x01, 0x02}) {
		t.Errorf("ParseResponse() = %v", resp)
	}
	if !bytes.Equal(resp.Bytes(), []byte{0x01, 0x02, 0x6A, 0x86}) {
		t.Errorf("Bytes() = %x", resp.Bytes())
	}
	if _, err := ParseResponse([]byte{0x90}); err == nil {
		t.Error("ParseResponse() accepted a 1-byte frame")
	}
}

func TestStatusWordErr(t *testing.T) {
	tests := []struct {
		sw   StatusWord
		want sdkerr.Code
	}{
		{SWProcessCompleted, 0},
		{SWPin1Changed, 0},
		{SWInvalidParams, sdkerr.CodeInvalidParams},
		{SWInvalidState, sdkerr.CodeInvalidState},
		{SWInsNotSupported, sdkerr.CodeInsNotSupported},
		{SWNeedEncryption, sdkerr.CodeNeedEncryption},
		{SWErrorProcessing, sdkerr.CodeErrorProcessingCommand},
		{StatusWord(0x6F00), sdkerr.CodeUnknownStatus},
	}

	for _, tt := range tests {
		t.Run(tt.sw.String(), func(t *testing.T) {
			err := tt.sw.Err("Read")
			if got := sdkerr.CodeOf(err); got != tt.want {
				t.Errorf("Err() code = %v, want %v", got, tt.want)
			}
			if tt.want == 0 && err != nil {
				t.Errorf("Err() = %v, want nil", err)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	key := cardcrypto.SHA256([]byte("session key"))
	cmd, err := NewTLVCommand(InsRead, []tlv.TLV{{Tag: tlv.TagPin, Value: cardcrypto.SHA256([]byte("000000"))}})
	if err != nil {
		t.Fatal(err)
	}

	enc, err := cmd.Encrypt(key)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(enc.Data, cmd.Data) {
		t.Fatal("Encrypt() left data in the clear")
	}
	if len(enc.Data)%16 != 0 {
		t.Errorf("encrypted length %d is not block aligned", len(enc.Data))
	}
	dec, err := enc.Decrypt(key)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(dec.Data, cmd.Data) {
		t.Error("command envelope round trip changed data")
	}

	resp := &ResponseApdu{Data: bytes.Repeat([]byte{0x33}, 40), SW: SWProcessCompleted}
	encResp, err := resp.Encrypt(key)
	if err != nil {
		t.Fatal(err)
	}
	decResp, err := encResp.Decrypt(key)
	if err != nil {
		t.Fatalf("response Decrypt() error = %v", err)
	}
	if !bytes.Equal(decResp.Data, resp.Data) {
		t.Error("response envelope round trip changed data")
	}
}

func TestEnvelopeRejectsOversizedPayload(t *testing.T) {
	key := cardcrypto.SHA256([]byte("session key"))
	data := make([]byte, 0x10000)

	if _, err := NewCommand(InsWriteIssuerData, data).Encrypt(key); err == nil {
		t.Error("command Encrypt() accepted a payload the length prefix cannot hold")
	}
	resp := &ResponseApdu{Data: data, SW: SWProcessCompleted}
	if _, err := resp.Encrypt(key); err == nil {
		t.Error("response Encrypt() accepted a payload the length prefix cannot hold")
	}
	if _, err := NewCommand(InsWriteIssuerData, data[:0xFFFF]).Encrypt(key); err != nil {
		t.Errorf("Encrypt() at the limit: %v", err)
	}
}

func TestResponseDecryptPassThrough(t *testing.T) {
	key := cardcrypto.SHA256([]byte("k"))
	tests := []struct {
		name string
		resp *ResponseApdu
	}{
		{"short payload", &ResponseApdu{Data: []byte{0x1C, 0x02, 0x00, 0x10}, SW: SWProcessCompleted}},
		{"need pause", &ResponseApdu{Data: bytes.Repeat([]byte{1}, 32), SW: SWNeedPause}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.resp.Decrypt(key)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(got.Data, tt.resp.Data) {
				t.Error("Decrypt() modified a clear payload")
			}
		})
	}
}

func TestDecryptDetectsCorruption(t *testing.T) {
	key := cardcrypto.SHA256([]byte("k"))
	plain := []byte{0x00, 0x04, 0x00, 0x00, 1, 2, 3, 4} // bogus CRC
	enc, err := cardcrypto.EncryptAES(key, plain)
	if err != nil {
		t.Fatal(err)
	}
	_, err = (&ResponseApdu{Data: enc, SW: SWProcessCompleted}).Decrypt(key)
	if !errors.Is(err, ErrChecksum) {
		t.Errorf("Decrypt() error = %v, want ErrChecksum", err)
	}
}
