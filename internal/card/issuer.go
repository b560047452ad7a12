package card

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
)

// DevPersonalizationKey encrypts personalization payloads for development cards.
var DevPersonalizationKey = cardcrypto.SHA256([]byte("1234"))

// IssuerDataMessage is the byte string an issuer signs for issuer data:
// card ID bytes || data || counter (4 bytes big endian, only when counter is set).
func IssuerDataMessage(cardID string, data []byte, counter *uint32) ([]byte, error) {
	id, err := hex.DecodeString(cardID)
	if err != nil {
		return nil, fmt.Errorf("card id %q is not hex: %w", cardID, err)
	}
	msg := make([]byte, 0, len(id)+len(data)+4)
	msg = append(msg, id...)
	msg = append(msg, data...)
	if counter != nil {
		msg = binary.BigEndian.AppendUint32(msg, *counter)
	}
	return msg, nil
}

// SignIssuerData signs issuer data the way the card expects. Issuer keys are secp256k1.
func SignIssuerData(issuerPrivateKey []byte, cardID string, data []byte, counter *uint32) ([]byte, error) {
	msg, err := IssuerDataMessage(cardID, data, counter)
	if err != nil {
		return nil, err
	}
	return cardcrypto.Sign(msg, issuerPrivateKey, cardcrypto.Secp256k1)
}

// VerifyIssuerData checks an issuer data signature.
func VerifyIssuerData(issuerPublicKey []byte, cardID string, data []byte, counter *uint32, signature []byte) bool {
	msg, err := IssuerDataMessage(cardID, data, counter)
	if err != nil {
		return false
	}
	return cardcrypto.Verify(issuerPublicKey, msg, signature, cardcrypto.Secp256k1)
}

// IssuerExtraDataStartMessage is what the starting signature of an issuer
// extra data write covers: the card ID, the counter when present and the
// total size as two big-endian bytes.
func IssuerExtraDataStartMessage(cardID string, size int, counter *uint32) ([]byte, error) {
	if size < 0 || size > 0xFFFF {
		return nil, fmt.Errorf("extra data size %d does not fit two bytes", size)
	}
	msg, err := IssuerDataMessage(cardID, nil, counter)
	if err != nil {
		return nil, err
	}
	return binary.BigEndian.AppendUint16(msg, uint16(size)), nil
}

func SignIssuerExtraDataStart(issuerPrivateKey []byte, cardID string, size int, counter *uint32) ([]byte, error) {
	msg, err := IssuerExtraDataStartMessage(cardID, size, counter)
	if err != nil {
		return nil, err
	}
	return cardcrypto.Sign(msg, issuerPrivateKey, cardcrypto.Secp256k1)
}

func VerifyIssuerExtraDataStart(issuerPublicKey []byte, cardID string, size int, counter *uint32, signature []byte) bool {
	msg, err := IssuerExtraDataStartMessage(cardID, size, counter)
	if err != nil {
		return false
	}
	return cardcrypto.Verify(issuerPublicKey, msg, signature, cardcrypto.Secp256k1)
}
