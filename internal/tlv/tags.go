package tlv

import "fmt"

// Tag identifies a field inside a Tangem TLV payload.
type Tag byte

const (
	TagCardID                       Tag = 0x01
	TagStatus                       Tag = 0x02
	TagCardPublicKey                Tag = 0x03
	TagCardSignature                Tag = 0x04
	TagCurveID                      Tag = 0x05
	TagHashAlgID                    Tag = 0x06
	TagSigningMethod                Tag = 0x07
	TagMaxSignatures                Tag = 0x08
	TagPauseBeforePin2              Tag = 0x09
	TagSettingsMask                 Tag = 0x0A
	TagUID                          Tag = 0x0B
	TagCardData                     Tag = 0x0C
	TagPin                          Tag = 0x10
	TagPin2                         Tag = 0x11
	TagNewPin                       Tag = 0x12
	TagNewPin2                      Tag = 0x13
	TagChallenge                    Tag = 0x16
	TagSalt                         Tag = 0x17
	TagValidationCounter            Tag = 0x18
	TagCVC                          Tag = 0x19
	TagSessionKeyA                  Tag = 0x1A
	TagSessionKeyB                  Tag = 0x1B
	TagPause                        Tag = 0x1C
	TagManufactureID                Tag = 0x1D
	TagManufacturerName             Tag = 0x20
	TagManufacturerSignature        Tag = 0x86
	TagUserData                     Tag = 0x2A
	TagUserProtectedData            Tag = 0x2B
	TagUserCounter                  Tag = 0x2C
	TagUserProtectedCounter         Tag = 0x2D
	TagIssuerDataPublicKey          Tag = 0x30
	TagIssuerTransactionPublicKey   Tag = 0x31
	TagIssuerData                   Tag = 0x32
	TagIssuerDataSignature          Tag = 0x33
	TagIssuerTransactionSignature   Tag = 0x34
	TagIssuerDataCounter            Tag = 0x35
	TagMode                         Tag = 0x23
	TagOffset                       Tag = 0x24
	TagSize                         Tag = 0x25
	TagTransactionOutHashSize       Tag = 0x51
	TagTransactionOutHash           Tag = 0x50
	TagTerminalTransactionSignature Tag = 0x57
	TagTerminalIsLinked             Tag = 0x58
	TagTerminalPublicKey            Tag = 0x5C
	TagWalletPublicKey              Tag = 0x60
	TagWalletSignature              Tag = 0x61
	TagWalletRemainingSignatures    Tag = 0x62
	TagWalletSignedHashes           Tag = 0x63
	TagFirmware                     Tag = 0x80
	TagBatch                        Tag = 0x81
	TagManufactureDateTime          Tag = 0x82
	TagIssuerName                   Tag = 0x83
	TagBlockchainName               Tag = 0x84
	TagHealth                       Tag = 0x0F
)

var tagNames = map[Tag]string{
	TagCardID:                       "CardId",
	TagStatus:                       "Status",
	TagCardPublicKey:                "CardPublicKey",
	TagCardSignature:                "CardSignature",
	TagCurveID:                      "CurveId",
	TagHashAlgID:                    "HashAlgId",
	TagSigningMethod:                "SigningMethod",
	TagMaxSignatures:                "MaxSignatures",
	TagPauseBeforePin2:              "PauseBeforePin2",
	TagSettingsMask:                 "SettingsMask",
	TagUID:                          "Uid",
	TagCardData:                     "CardData",
	TagPin:                          "Pin",
	TagPin2:                         "Pin2",
	TagNewPin:                       "NewPin",
	TagNewPin2:                      "NewPin2",
	TagChallenge:                    "Challenge",
	TagSalt:                         "Salt",
	TagValidationCounter:            "ValidationCounter",
	TagCVC:                          "Cvc",
	TagSessionKeyA:                  "SessionKeyA",
	TagSessionKeyB:                  "SessionKeyB",
	TagPause:                        "Pause",
	TagManufactureID:                "ManufactureId",
	TagManufacturerName:             "ManufacturerName",
	TagManufacturerSignature:        "ManufacturerSignature",
	TagUserData:                     "UserData",
	TagUserProtectedData:            "UserProtectedData",
	TagUserCounter:                  "UserCounter",
	TagUserProtectedCounter:         "UserProtectedCounter",
	TagIssuerDataPublicKey:          "IssuerDataPublicKey",
	TagIssuerTransactionPublicKey:   "IssuerTransactionPublicKey",
	TagIssuerData:                   "IssuerData",
	TagIssuerDataSignature:          "IssuerDataSignature",
	TagIssuerTransactionSignature:   "IssuerTransactionSignature",
	TagIssuerDataCounter:            "IssuerDataCounter",
	TagMode:                         "Mode",
	TagOffset:                       "Offset",
	TagSize:                         "Size",
	TagTransactionOutHashSize:       "TransactionOutHashSize",
	TagTransactionOutHash:           "TransactionOutHash",
	TagTerminalTransactionSignature: "TerminalTransactionSignature",
	TagTerminalIsLinked:             "TerminalIsLinked",
	TagTerminalPublicKey:            "TerminalPublicKey",
	TagWalletPublicKey:              "WalletPublicKey",
	TagWalletSignature:              "WalletSignature",
	TagWalletRemainingSignatures:    "WalletRemainingSignatures",
	TagWalletSignedHashes:           "WalletSignedHashes",
	TagFirmware:                     "Firmware",
	TagBatch:                        "Batch",
	TagManufactureDateTime:          "ManufactureDateTime",
	TagIssuerName:                   "IssuerName",
	TagBlockchainName:               "BlockchainName",
	TagHealth:                       "Health",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(0x%02X)", byte(t))
}
