package card

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
	"github.com/SimplyPrint/tangem-agent/internal/tlv"
)

func TestTypeFromFirmware(t *testing.T) {
	tests := []struct {
		firmware string
		want     Type
	}{
		{"1.28d SDK", TypeSDK},
		{"2.30r", TypeRelease},
		{"4.11r", TypeRelease},
		{"3.05", TypeUnknown},
		{"", TypeUnknown},
	}

	for _, tt := range tests {
		if got := TypeFromFirmware(tt.firmware); got != tt.want {
			t.Errorf("TypeFromFirmware(%q) = %q, want %q", tt.firmware, got, tt.want)
		}
	}
}

func TestEncodeDecodeLoadedCard(t *testing.T) {
	want := &Card{
		CardID:              "CB79000000018201",
		ManufacturerName:    "TANGEM",
		Status:              StatusLoaded,
		FirmwareVersion:     "2.30r",
		CardPublicKey:       "04AABB",
		SettingsMask:        IsReusable | AllowFastEncryption | ProtectIssuerDataAgainstReplay,
		IssuerName:          "TANGEM SDK",
		IssuerDataPublicKey: "04CCDD",
		Batch:               "0017",
		Curve:               cardcrypto.Secp256k1,
		MaxSignatures:       1000,
		PauseBeforePin2:     500,
		WalletPublicKey:     "04EEFF",
		RemainingSignatures: 998,
		SignedHashes:        2,
		TerminalIsLinked:    true,
	}

	data, err := want.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	items, err := tlv.Decode(data)
	if err != nil {
		t.Fatalf("tlv.Decode() error = %v", err)
	}
	got, err := Decode(items)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("card mismatch (-want +got):\n%s", diff)
	}
	if !got.HasWallet() {
		t.Error("HasWallet() = false for a loaded card")
	}
	if got.Type() != TypeRelease {
		t.Errorf("Type() = %q", got.Type())
	}
}

func TestDecodeNotPersonalized(t *testing.T) {
	got, err := Decode(tlv.List{{Tag: tlv.TagStatus, Value: []byte{0x00}}})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Status != StatusNotPersonalized || got.CardID != "" {
		t.Errorf("Decode() = %+v", got)
	}
	if got.HasWallet() {
		t.Error("HasWallet() = true for a blank card")
	}
}

func TestDecodeRequiresStatus(t *testing.T) {
	_, err := Decode(tlv.List{{Tag: tlv.TagCardID, Value: []byte{0x01}}})
	if err == nil {
		t.Fatal("Decode() succeeded without a status")
	}
}

func TestSettingsMaskHas(t *testing.T) {
	m := IsReusable | UseCvc
	if !m.Has(UseCvc) || m.Has(AllowSetPIN1) || !m.Has(IsReusable|UseCvc) {
		t.Errorf("Has() wrong for mask %#x", uint32(m))
	}
}

func TestParseType(t *testing.T) {
	if got, err := ParseType("SDK"); err != nil || got != TypeSDK {
		t.Errorf("ParseType(SDK) = %q, %v", got, err)
	}
	if _, err := ParseType("beta"); err == nil {
		t.Error("ParseType(beta) succeeded")
	}
}
