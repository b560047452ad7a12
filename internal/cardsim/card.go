// Package cardsim emulates a Tangem card and an NFC reader in memory. It backs
// the emulator reader backend and drives the session and command tests.
package cardsim

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/SimplyPrint/tangem-agent/internal/apdu"
	"github.com/SimplyPrint/tangem-agent/internal/card"
	"github.com/SimplyPrint/tangem-agent/internal/cardcrypto"
	"github.com/SimplyPrint/tangem-agent/internal/session"
	"github.com/SimplyPrint/tangem-agent/internal/tlv"
)

const (
	DefaultCardID   = "CB79000000018201"
	DefaultFirmware = "4.52d SDK"

	// ExtraDataChunkSize is how much issuer extra data one read returns.
	ExtraDataChunkSize = 200
	// MaxExtraDataSize fits the two-byte Size field.
	MaxExtraDataSize = 0xFFFF

	uidLength        = 7
	challengeLength  = 16
	maxHashesPerSign = 10
	// pauseUnitsPerStep is the security delay reported per remaining step, in 10 ms units.
	pauseUnitsPerStep = 100
)

var errNoIssuerKeys = errors.New("cardsim: card has no issuer keys")

// Option configures a Card.
type Option func(*Card)

// WithCardID sets the card ID.
func WithCardID(id string) Option {
	return func(c *Card) { c.info.CardID = strings.ToUpper(id) }
}

// WithFirmware sets the firmware version string.
func WithFirmware(fw string) Option {
	return func(c *Card) { c.info.FirmwareVersion = fw }
}

// WithCurve sets the wallet curve.
func WithCurve(curve cardcrypto.Curve) Option {
	return func(c *Card) { c.info.Curve = curve }
}

// WithSettings replaces the settings mask.
func WithSettings(mask card.SettingsMask) Option {
	return func(c *Card) { c.info.SettingsMask = mask }
}

// WithPins sets PIN1 and PIN2.
func WithPins(pin1, pin2 string) Option {
	return func(c *Card) {
		c.pin1Hash = cardcrypto.SHA256([]byte(pin1))
		c.pin2Hash = cardcrypto.SHA256([]byte(pin2))
	}
}

// WithCVC enables the CVC check for wallet creation and signing.
func WithCVC(cvc string) Option {
	return func(c *Card) {
		c.cvc = []byte(cvc)
		c.info.SettingsMask |= card.UseCvc
	}
}

// WithRequiredEncryption makes the card reject commands sent below mode.
// A mode beyond Strong makes every command fail with NeedEncryption.
func WithRequiredEncryption(mode session.EncryptionMode) Option {
	return func(c *Card) { c.requiredMode = mode }
}

// WithSecurityDelay makes every Sign answer NeedPause steps times before completing.
func WithSecurityDelay(steps int) Option {
	return func(c *Card) { c.delaySteps = steps }
}

// WithIssuerKeys sets the issuer key pair whose public half the card trusts.
func WithIssuerKeys(keys *cardcrypto.KeyPair) Option {
	return func(c *Card) { c.issuerKeys = keys }
}

// WithoutWallet leaves the card personalized but empty.
func WithoutWallet() Option {
	return func(c *Card) { c.info.Status = card.StatusEmpty }
}

// NotPersonalized produces a blank card that only answers Read and Personalize.
func NotPersonalized() Option {
	return func(c *Card) { c.info.Status = card.StatusNotPersonalized }
}

// Card is a simulated Tangem card. It keeps its state across taps; the
// session key is dropped whenever the card leaves the field.
type Card struct {
	mu sync.Mutex

	info       card.Card
	uid        []byte
	pin1Hash   []byte
	pin2Hash   []byte
	cvc        []byte
	cardKeys   *cardcrypto.KeyPair
	walletKeys *cardcrypto.KeyPair
	issuerKeys *cardcrypto.KeyPair

	requiredMode session.EncryptionMode
	delaySteps   int
	delayLeft    int

	issuerData       []byte
	issuerSignature  []byte
	issuerCounter    uint32
	hasIssuerCounter bool
	extraData        []byte
	extraSignature   []byte
	extraCounter     uint32
	hasExtraCounter  bool

	// extra data write in progress
	extraWrite *pendingExtraData

	userData             []byte
	userProtectedData    []byte
	userCounter          uint32
	userProtectedCounter uint32

	linkedTerminal []byte

	sessionMode session.EncryptionMode
	sessionKey  []byte

	history  []apdu.Instruction
	injected map[apdu.Instruction][]apdu.StatusWord
}

// New creates a personalized card holding a secp256k1 wallet unless options say otherwise.
func New(opts ...Option) (*Card, error) {
	c := &Card{
		info: card.Card{
			CardID:           DefaultCardID,
			ManufacturerName: "TANGEM",
			Status:           card.StatusLoaded,
			FirmwareVersion:  DefaultFirmware,
			SettingsMask:     card.IsReusable | card.AllowSetPIN1 | card.AllowSetPIN2 | card.AllowUnencrypted | card.AllowFastEncryption,
			IssuerName:       "TANGEM SDK",
			Batch:            "FFFF",
			Curve:            cardcrypto.Secp256k1,
			MaxSignatures:    1000,
		},
		pin1Hash: cardcrypto.SHA256([]byte(session.DefaultPin1)),
		pin2Hash: cardcrypto.SHA256([]byte(session.DefaultPin2)),
		injected: make(map[apdu.Instruction][]apdu.StatusWord),
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	if c.uid, err = cardcrypto.RandomBytes(uidLength); err != nil {
		return nil, err
	}
	if c.info.Status == card.StatusNotPersonalized {
		c.wipe()
		return c, nil
	}
	if c.issuerKeys == nil {
		if c.issuerKeys, err = cardcrypto.GenerateKeyPair(cardcrypto.Secp256k1); err != nil {
			return nil, err
		}
	}
	c.info.IssuerDataPublicKey = upperHex(c.issuerKeys.PublicKey)
	if c.cardKeys, err = cardcrypto.GenerateKeyPair(cardcrypto.Secp256k1); err != nil {
		return nil, err
	}
	c.info.CardPublicKey = upperHex(c.cardKeys.PublicKey)
	if c.info.Status == card.StatusLoaded {
		if err := c.createWalletLocked(); err != nil {
			return nil, err
		}
	}
	c.delayLeft = c.delaySteps
	return c, nil
}

// Info returns a copy of the card state as a Read would report it.
func (c *Card) Info() card.Card {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// IssuerKeys returns the issuer key pair the card was created with.
func (c *Card) IssuerKeys() *cardcrypto.KeyPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.issuerKeys
}

// History returns the instructions received so far, OpenSession included.
func (c *Card) History() []apdu.Instruction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]apdu.Instruction, len(c.history))
	copy(out, c.history)
	return out
}

// Count returns how many times ins was received.
func (c *Card) Count(ins apdu.Instruction) int {
	n := 0
	for _, got := range c.History() {
		if got == ins {
			n++
		}
	}
	return n
}

// InjectStatus makes the next command with ins fail with sw, once per call.
func (c *Card) InjectStatus(ins apdu.Instruction, sw apdu.StatusWord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.injected[ins] = append(c.injected[ins], sw)
}

// SetIssuerData stores issuer data signed with the card's issuer key.
func (c *Card) SetIssuerData(data []byte, counter *uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.issuerKeys == nil {
		return errNoIssuerKeys
	}
	sig, err := card.SignIssuerData(c.issuerKeys.PrivateKey, c.info.CardID, data, counter)
	if err != nil {
		return err
	}
	c.issuerData = bytes.Clone(data)
	c.issuerSignature = sig
	c.hasIssuerCounter = counter != nil
	if counter != nil {
		c.issuerCounter = *counter
	}
	return nil
}

// SetIssuerExtraData stores issuer extra data signed with the card's issuer key.
func (c *Card) SetIssuerExtraData(data []byte) error {
	if len(data) > MaxExtraDataSize {
		return fmt.Errorf("extra data of %d bytes exceeds %d", len(data), MaxExtraDataSize)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.issuerKeys == nil {
		return errNoIssuerKeys
	}
	sig, err := card.SignIssuerData(c.issuerKeys.PrivateKey, c.info.CardID, data, nil)
	if err != nil {
		return err
	}
	c.extraData = bytes.Clone(data)
	c.extraSignature = sig
	return nil
}

// Reset drops the session key, as a card does when it loses power.
func (c *Card) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionKey = nil
	c.sessionMode = session.EncryptionNone
	c.delayLeft = c.delaySteps
	c.extraWrite = nil
}

// Transmit processes a serialized command frame and returns the serialized response.
func (c *Card) Transmit(raw []byte) ([]byte, error) {
	cmd, err := apdu.ParseCommand(raw)
	if err != nil {
		return nil, err
	}
	return c.Handle(cmd).Bytes(), nil
}

// Handle processes one command.
func (c *Card) Handle(cmd *apdu.CommandApdu) *apdu.ResponseApdu {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.history = append(c.history, cmd.INS)
	if queue := c.injected[cmd.INS]; len(queue) > 0 {
		c.injected[cmd.INS] = queue[1:]
		return status(queue[0])
	}
	if cmd.INS == apdu.InsOpenSession {
		return c.openSession(cmd)
	}

	mode := session.EncryptionMode(cmd.P1)
	if c.info.Status != card.StatusNotPersonalized && mode < c.requiredMode {
		return status(apdu.SWNeedEncryption)
	}
	var key []byte
	if mode != session.EncryptionNone {
		if c.sessionKey == nil || mode != c.sessionMode {
			return status(apdu.SWInvalidState)
		}
		key = c.sessionKey
		plain, err := cmd.Decrypt(key)
		if err != nil {
			return status(apdu.SWErrorProcessing)
		}
		cmd = plain
	}
	if cmd.INS == apdu.InsPersonalize {
		plain, err := cmd.Decrypt(card.DevPersonalizationKey)
		if err != nil {
			return status(apdu.SWInvalidParams)
		}
		cmd = plain
	}

	items, err := tlv.Decode(cmd.Data)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}
	resp := c.dispatch(cmd.INS, items)
	if key != nil {
		enc, err := resp.Encrypt(key)
		if err != nil {
			return status(apdu.SWErrorProcessing)
		}
		resp = enc
	}
	return resp
}

func (c *Card) dispatch(ins apdu.Instruction, items tlv.List) *apdu.ResponseApdu {
	if c.info.Status == card.StatusNotPersonalized && ins != apdu.InsRead && ins != apdu.InsPersonalize {
		return status(apdu.SWInvalidState)
	}
	switch ins {
	case apdu.InsRead:
		return c.read(items)
	case apdu.InsSign:
		return c.sign(items)
	case apdu.InsReadIssuerData:
		return c.readIssuerData(items)
	case apdu.InsWriteIssuerData:
		return c.writeIssuerData(items)
	case apdu.InsReadUserData:
		return c.readUserData(items)
	case apdu.InsWriteUserData:
		return c.writeUserData(items)
	case apdu.InsCreateWallet:
		return c.createWallet(items)
	case apdu.InsCheckWallet:
		return c.checkWallet(items)
	case apdu.InsPurgeWallet:
		return c.purgeWallet(items)
	case apdu.InsPersonalize:
		return c.personalize(items)
	case apdu.InsDepersonalize:
		c.wipe()
		return status(apdu.SWProcessCompleted)
	}
	return status(apdu.SWInsNotSupported)
}

func (c *Card) openSession(cmd *apdu.CommandApdu) *apdu.ResponseApdu {
	mode := session.EncryptionMode(cmd.P1)
	if mode != session.EncryptionFast && mode != session.EncryptionStrong {
		return status(apdu.SWInvalidParams)
	}
	if mode < c.requiredMode {
		return status(apdu.SWNeedEncryption)
	}
	items, err := tlv.Decode(cmd.Data)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}
	keyA, err := items.Bytes(tlv.TagSessionKeyA)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}

	var keyB, secret []byte
	switch mode {
	case session.EncryptionFast:
		if keyB, err = cardcrypto.RandomBytes(len(keyA)); err != nil {
			return status(apdu.SWErrorProcessing)
		}
		secret = append(bytes.Clone(keyA), keyB...)
	case session.EncryptionStrong:
		eph, err := cardcrypto.GenerateKeyPair(cardcrypto.Secp256k1)
		if err != nil {
			return status(apdu.SWErrorProcessing)
		}
		if secret, err = cardcrypto.SharedSecret(eph.PrivateKey, keyA); err != nil {
			return status(apdu.SWInvalidParams)
		}
		keyB = eph.PublicKey
	}

	c.sessionKey = session.DeriveSessionKey(secret, c.pin1Hash, c.uid)
	c.sessionMode = mode
	return respond(tlv.NewBuilder().
		Bytes(tlv.TagSessionKeyB, keyB).
		Bytes(tlv.TagUID, c.uid))
}

func (c *Card) read(items tlv.List) *apdu.ResponseApdu {
	if c.info.Status != card.StatusNotPersonalized && !c.pin1OK(items) {
		return status(apdu.SWInvalidParams)
	}
	term, _ := items.Lookup(tlv.TagTerminalPublicKey)
	return c.cardResponse(term)
}

// cardResponse encodes the card state, marking the terminal linked when term is the linked one.
func (c *Card) cardResponse(term []byte) *apdu.ResponseApdu {
	snapshot := c.info
	snapshot.TerminalIsLinked = term != nil && c.linkedTerminal != nil && bytes.Equal(term, c.linkedTerminal)
	data, err := snapshot.Encode()
	if err != nil {
		return status(apdu.SWErrorProcessing)
	}
	return &apdu.ResponseApdu{Data: data, SW: apdu.SWProcessCompleted}
}

func (c *Card) sign(items tlv.List) *apdu.ResponseApdu {
	if sw, ok := c.authorize(items, true); !ok {
		return status(sw)
	}
	if c.info.Status != card.StatusLoaded {
		return status(apdu.SWInvalidState)
	}
	if c.info.SettingsMask.Has(card.UseCvc) && !c.cvcOK(items) {
		return status(apdu.SWInvalidParams)
	}
	size, err := items.Uint(tlv.TagTransactionOutHashSize)
	if err != nil || size == 0 {
		return status(apdu.SWInvalidParams)
	}
	hashes, err := items.Bytes(tlv.TagTransactionOutHash)
	if err != nil || uint64(len(hashes))%size != 0 {
		return status(apdu.SWInvalidParams)
	}
	count := uint64(len(hashes)) / size
	if count == 0 || count > maxHashesPerSign {
		return status(apdu.SWInvalidParams)
	}
	if c.info.Curve == cardcrypto.Secp256k1 && size != 32 {
		return status(apdu.SWInvalidParams)
	}

	terminal, hasTerminal := items.Lookup(tlv.TagTerminalPublicKey)
	if hasTerminal {
		sig, ok := items.Lookup(tlv.TagTerminalTransactionSignature)
		if !ok || !cardcrypto.Verify(terminal, hashes, sig, cardcrypto.Secp256k1) {
			return status(apdu.SWInvalidParams)
		}
	} else if c.info.SettingsMask.Has(card.RequireTermTxSignature) {
		return status(apdu.SWInvalidParams)
	}
	if c.info.RemainingSignatures < count {
		return status(apdu.SWInvalidState)
	}

	skipDelay := hasTerminal && c.linkedTerminal != nil && bytes.Equal(terminal, c.linkedTerminal) &&
		c.info.SettingsMask.Has(card.SkipSecurityDelayIfValidatedByLinkedTerminal)
	if !skipDelay && c.delayLeft > 0 {
		c.delayLeft--
		resp := respond(tlv.NewBuilder().Uint(tlv.TagPause, uint64((c.delayLeft+1)*pauseUnitsPerStep), 2))
		resp.SW = apdu.SWNeedPause
		return resp
	}
	c.delayLeft = c.delaySteps

	signatures := make([]byte, 0, count*cardcrypto.SignatureSize)
	for i := uint64(0); i < count; i++ {
		hash := hashes[i*size : (i+1)*size]
		var sig []byte
		if c.info.Curve == cardcrypto.Secp256k1 {
			sig, err = cardcrypto.SignHash(hash, c.walletKeys.PrivateKey)
		} else {
			sig, err = cardcrypto.Sign(hash, c.walletKeys.PrivateKey, c.info.Curve)
		}
		if err != nil {
			return status(apdu.SWErrorProcessing)
		}
		signatures = append(signatures, sig...)
	}
	if hasTerminal {
		c.linkedTerminal = bytes.Clone(terminal)
	}
	c.info.RemainingSignatures -= count
	c.info.SignedHashes += count

	return respond(tlv.NewBuilder().
		Hex(tlv.TagCardID, c.info.CardID).
		Bytes(tlv.TagWalletSignature, signatures).
		Uint(tlv.TagWalletRemainingSignatures, c.info.RemainingSignatures, 4).
		Uint(tlv.TagWalletSignedHashes, c.info.SignedHashes, 4))
}

func (c *Card) readIssuerData(items tlv.List) *apdu.ResponseApdu {
	if sw, ok := c.authorize(items, false); !ok {
		return status(sw)
	}
	mode, _, err := items.OptionalUint(tlv.TagMode)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}
	b := tlv.NewBuilder().Hex(tlv.TagCardID, c.info.CardID)

	switch mode {
	case 0:
		b.Bytes(tlv.TagIssuerData, c.issuerData).Bytes(tlv.TagIssuerDataSignature, c.issuerSignature)
		if c.hasIssuerCounter {
			b.Uint(tlv.TagIssuerDataCounter, uint64(c.issuerCounter), 4)
		}
	case 1:
		offset, _, err := items.OptionalUint(tlv.TagOffset)
		if err != nil || offset > uint64(len(c.extraData)) {
			return status(apdu.SWInvalidParams)
		}
		end := min(offset+ExtraDataChunkSize, uint64(len(c.extraData)))
		if offset == 0 {
			b.Uint(tlv.TagSize, uint64(len(c.extraData)), 2)
		}
		b.Bytes(tlv.TagIssuerData, c.extraData[offset:end])
		if end == uint64(len(c.extraData)) {
			b.Bytes(tlv.TagIssuerDataSignature, c.extraSignature)
			if c.hasExtraCounter {
				b.Uint(tlv.TagIssuerDataCounter, uint64(c.extraCounter), 4)
			}
		}
	default:
		return status(apdu.SWInvalidParams)
	}
	return respond(b)
}

func (c *Card) writeIssuerData(items tlv.List) *apdu.ResponseApdu {
	if sw, ok := c.authorize(items, false); !ok {
		return status(sw)
	}
	mode, _, err := items.OptionalUint(tlv.TagMode)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}
	if mode != 0 {
		return c.writeIssuerExtraData(mode, items)
	}
	data, err := items.Bytes(tlv.TagIssuerData)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}
	sig, err := items.Bytes(tlv.TagIssuerDataSignature)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}
	n, hasCounter, err := items.OptionalUint(tlv.TagIssuerDataCounter)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}
	var counter *uint32
	if hasCounter {
		v := uint32(n)
		counter = &v
	}
	if c.info.SettingsMask.Has(card.ProtectIssuerDataAgainstReplay) {
		if counter == nil || (c.hasIssuerCounter && *counter <= c.issuerCounter) {
			return status(apdu.SWInvalidParams)
		}
	}
	issuerKey, err := c.info.IssuerDataPublicKeyBytes()
	if err != nil || !card.VerifyIssuerData(issuerKey, c.info.CardID, data, counter, sig) {
		return status(apdu.SWInvalidParams)
	}

	c.issuerData = bytes.Clone(data)
	c.issuerSignature = bytes.Clone(sig)
	c.hasIssuerCounter = counter != nil
	if counter != nil {
		c.issuerCounter = *counter
	}
	return respond(tlv.NewBuilder().Hex(tlv.TagCardID, c.info.CardID))
}

type pendingExtraData struct {
	size    int
	counter *uint32
	data    []byte
}

// Extra data write modes.
const (
	extraWriteStart    = 1
	extraWriteChunk    = 2
	extraWriteFinalize = 3
)

// writeIssuerExtraData handles one step of a chunked extra data write: a
// start announcing the size, chunks written in order and a finalize carrying
// the signature over the whole payload.
func (c *Card) writeIssuerExtraData(mode uint64, items tlv.List) *apdu.ResponseApdu {
	issuerKey, err := c.info.IssuerDataPublicKeyBytes()
	if err != nil || len(issuerKey) == 0 {
		return status(apdu.SWInvalidState)
	}
	ok := respond(tlv.NewBuilder().Hex(tlv.TagCardID, c.info.CardID))

	switch mode {
	case extraWriteStart:
		size, err := items.Uint(tlv.TagSize)
		if err != nil || size == 0 || size > MaxExtraDataSize {
			return status(apdu.SWInvalidParams)
		}
		sig, err := items.Bytes(tlv.TagIssuerDataSignature)
		if err != nil {
			return status(apdu.SWInvalidParams)
		}
		n, hasCounter, err := items.OptionalUint(tlv.TagIssuerDataCounter)
		if err != nil {
			return status(apdu.SWInvalidParams)
		}
		var counter *uint32
		if hasCounter {
			v := uint32(n)
			counter = &v
		}
		if c.info.SettingsMask.Has(card.ProtectIssuerDataAgainstReplay | card.RestrictOverwriteIssuerExtraData) {
			if counter == nil || (c.hasExtraCounter && *counter <= c.extraCounter) {
				return status(apdu.SWInvalidParams)
			}
		}
		if !card.VerifyIssuerExtraDataStart(issuerKey, c.info.CardID, int(size), counter, sig) {
			return status(apdu.SWInvalidParams)
		}
		c.extraWrite = &pendingExtraData{size: int(size), counter: counter}
		return ok

	case extraWriteChunk:
		w := c.extraWrite
		if w == nil {
			return status(apdu.SWInvalidState)
		}
		offset, err := items.Uint(tlv.TagOffset)
		if err != nil || offset != uint64(len(w.data)) {
			return status(apdu.SWInvalidParams)
		}
		data, err := items.Bytes(tlv.TagIssuerData)
		if err != nil || len(data) == 0 || len(w.data)+len(data) > w.size {
			return status(apdu.SWInvalidParams)
		}
		w.data = append(w.data, data...)
		return ok

	case extraWriteFinalize:
		w := c.extraWrite
		if w == nil || len(w.data) != w.size {
			return status(apdu.SWInvalidState)
		}
		sig, err := items.Bytes(tlv.TagIssuerDataSignature)
		if err != nil || !card.VerifyIssuerData(issuerKey, c.info.CardID, w.data, w.counter, sig) {
			c.extraWrite = nil
			return status(apdu.SWInvalidParams)
		}
		c.extraData = w.data
		c.extraSignature = bytes.Clone(sig)
		c.hasExtraCounter = w.counter != nil
		if w.counter != nil {
			c.extraCounter = *w.counter
		}
		c.extraWrite = nil
		return ok
	}
	return status(apdu.SWInvalidParams)
}

func (c *Card) readUserData(items tlv.List) *apdu.ResponseApdu {
	if sw, ok := c.authorize(items, false); !ok {
		return status(sw)
	}
	return respond(tlv.NewBuilder().
		Hex(tlv.TagCardID, c.info.CardID).
		Bytes(tlv.TagUserData, c.userData).
		Bytes(tlv.TagUserProtectedData, c.userProtectedData).
		Uint(tlv.TagUserCounter, uint64(c.userCounter), 4).
		Uint(tlv.TagUserProtectedCounter, uint64(c.userProtectedCounter), 4))
}

func (c *Card) writeUserData(items tlv.List) *apdu.ResponseApdu {
	protected := items.Has(tlv.TagUserProtectedData) || items.Has(tlv.TagUserProtectedCounter)
	if sw, ok := c.authorize(items, protected); !ok {
		return status(sw)
	}
	counter, hasCounter, err := items.OptionalUint(tlv.TagUserCounter)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}
	protectedCounter, hasProtectedCounter, err := items.OptionalUint(tlv.TagUserProtectedCounter)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}

	if v, ok := items.Lookup(tlv.TagUserData); ok {
		c.userData = bytes.Clone(v)
	}
	if v, ok := items.Lookup(tlv.TagUserProtectedData); ok {
		c.userProtectedData = bytes.Clone(v)
	}
	if hasCounter {
		c.userCounter = uint32(counter)
	}
	if hasProtectedCounter {
		c.userProtectedCounter = uint32(protectedCounter)
	}
	return respond(tlv.NewBuilder().Hex(tlv.TagCardID, c.info.CardID))
}

func (c *Card) createWallet(items tlv.List) *apdu.ResponseApdu {
	if sw, ok := c.authorize(items, true); !ok {
		return status(sw)
	}
	if c.info.SettingsMask.Has(card.UseCvc) && !c.cvcOK(items) {
		return status(apdu.SWInvalidParams)
	}
	reusable := c.info.SettingsMask.Has(card.IsReusable)
	if c.info.Status != card.StatusEmpty && !(c.info.Status == card.StatusPurged && reusable) {
		return status(apdu.SWInvalidState)
	}
	if err := c.createWalletLocked(); err != nil {
		return status(apdu.SWErrorProcessing)
	}
	return respond(tlv.NewBuilder().
		Hex(tlv.TagCardID, c.info.CardID).
		Byte(tlv.TagStatus, byte(c.info.Status)).
		Bytes(tlv.TagWalletPublicKey, c.walletKeys.PublicKey))
}

func (c *Card) createWalletLocked() error {
	keys, err := cardcrypto.GenerateKeyPair(c.info.Curve)
	if err != nil {
		return err
	}
	c.walletKeys = keys
	c.info.Status = card.StatusLoaded
	c.info.WalletPublicKey = upperHex(keys.PublicKey)
	c.info.RemainingSignatures = c.info.MaxSignatures
	c.info.SignedHashes = 0
	return nil
}

func (c *Card) checkWallet(items tlv.List) *apdu.ResponseApdu {
	if sw, ok := c.authorize(items, false); !ok {
		return status(sw)
	}
	if c.info.Status != card.StatusLoaded {
		return status(apdu.SWInvalidState)
	}
	challenge, err := items.Bytes(tlv.TagChallenge)
	if err != nil || len(challenge) != challengeLength {
		return status(apdu.SWInvalidParams)
	}
	salt, err := cardcrypto.RandomBytes(challengeLength)
	if err != nil {
		return status(apdu.SWErrorProcessing)
	}
	sig, err := cardcrypto.Sign(append(bytes.Clone(challenge), salt...), c.walletKeys.PrivateKey, c.info.Curve)
	if err != nil {
		return status(apdu.SWErrorProcessing)
	}
	return respond(tlv.NewBuilder().
		Hex(tlv.TagCardID, c.info.CardID).
		Bytes(tlv.TagSalt, salt).
		Bytes(tlv.TagWalletSignature, sig))
}

func (c *Card) purgeWallet(items tlv.List) *apdu.ResponseApdu {
	if sw, ok := c.authorize(items, true); !ok {
		return status(sw)
	}
	if c.info.Status != card.StatusLoaded || c.info.SettingsMask.Has(card.ProhibitPurgeWallet) {
		return status(apdu.SWInvalidState)
	}
	c.walletKeys = nil
	c.info.WalletPublicKey = ""
	c.info.RemainingSignatures = 0
	c.info.SignedHashes = 0
	c.info.Status = card.StatusPurged
	if c.info.SettingsMask.Has(card.IsReusable) {
		c.info.Status = card.StatusEmpty
	}
	return respond(tlv.NewBuilder().
		Hex(tlv.TagCardID, c.info.CardID).
		Byte(tlv.TagStatus, byte(c.info.Status)))
}

func (c *Card) personalize(items tlv.List) *apdu.ResponseApdu {
	if c.info.Status != card.StatusNotPersonalized {
		return status(apdu.SWInvalidState)
	}
	cardID, err := items.Hex(tlv.TagCardID)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}
	curveName, err := items.String(tlv.TagCurveID)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}
	curve, err := cardcrypto.ParseCurve(curveName)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}
	pin1, err := items.Bytes(tlv.TagPin)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}
	pin2, err := items.Bytes(tlv.TagPin2)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}
	maxSignatures, err := items.Uint(tlv.TagMaxSignatures)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}
	mask, _, err := items.OptionalUint(tlv.TagSettingsMask)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}
	pause, _, err := items.OptionalUint(tlv.TagPauseBeforePin2)
	if err != nil {
		return status(apdu.SWInvalidParams)
	}
	cardKeys, err := cardcrypto.GenerateKeyPair(cardcrypto.Secp256k1)
	if err != nil {
		return status(apdu.SWErrorProcessing)
	}

	c.info = card.Card{
		CardID:           cardID,
		ManufacturerName: c.info.ManufacturerName,
		Status:           card.StatusEmpty,
		FirmwareVersion:  c.info.FirmwareVersion,
		CardPublicKey:    upperHex(cardKeys.PublicKey),
		SettingsMask:     card.SettingsMask(mask),
		IssuerName:       items.OptionalString(tlv.TagIssuerName),
		Curve:            curve,
		MaxSignatures:    maxSignatures,
		PauseBeforePin2:  pause,
	}
	if v, ok := items.Lookup(tlv.TagIssuerDataPublicKey); ok {
		c.info.IssuerDataPublicKey = upperHex(v)
	}
	if v, ok := items.Lookup(tlv.TagBatch); ok {
		c.info.Batch = upperHex(v)
	}
	c.cardKeys = cardKeys
	c.pin1Hash = bytes.Clone(pin1)
	c.pin2Hash = bytes.Clone(pin2)
	if v, ok := items.Lookup(tlv.TagCVC); ok {
		c.cvc = bytes.Clone(v)
	}
	return c.cardResponse(nil)
}

// wipe returns the card to the blank state. Firmware and manufacturer survive.
func (c *Card) wipe() {
	c.info = card.Card{
		ManufacturerName: c.info.ManufacturerName,
		Status:           card.StatusNotPersonalized,
		FirmwareVersion:  c.info.FirmwareVersion,
	}
	c.cardKeys = nil
	c.walletKeys = nil
	c.pin1Hash = cardcrypto.SHA256([]byte(session.DefaultPin1))
	c.pin2Hash = cardcrypto.SHA256([]byte(session.DefaultPin2))
	c.cvc = nil
	c.issuerData, c.issuerSignature = nil, nil
	c.extraData, c.extraSignature = nil, nil
	c.hasExtraCounter, c.extraCounter = false, 0
	c.extraWrite = nil
	c.hasIssuerCounter, c.issuerCounter = false, 0
	c.userData, c.userProtectedData = nil, nil
	c.userCounter, c.userProtectedCounter = 0, 0
	c.linkedTerminal = nil
}

// authorize checks PIN1, the card ID and, when withPin2 is set, PIN2.
func (c *Card) authorize(items tlv.List, withPin2 bool) (apdu.StatusWord, bool) {
	if !c.pin1OK(items) {
		return apdu.SWInvalidParams, false
	}
	id, err := items.Hex(tlv.TagCardID)
	if err != nil || id != c.info.CardID {
		return apdu.SWInvalidParams, false
	}
	if withPin2 {
		pin2, _ := items.Lookup(tlv.TagPin2)
		if !bytes.Equal(pin2, c.pin2Hash) {
			return apdu.SWInvalidParams, false
		}
	}
	return apdu.SWProcessCompleted, true
}

func (c *Card) pin1OK(items tlv.List) bool {
	pin, _ := items.Lookup(tlv.TagPin)
	return bytes.Equal(pin, c.pin1Hash)
}

func (c *Card) cvcOK(items tlv.List) bool {
	cvc, _ := items.Lookup(tlv.TagCVC)
	return bytes.Equal(cvc, c.cvc)
}

func status(sw apdu.StatusWord) *apdu.ResponseApdu {
	return &apdu.ResponseApdu{SW: sw}
}

func respond(b *tlv.Builder) *apdu.ResponseApdu {
	data, err := b.Encode()
	if err != nil {
		return status(apdu.SWErrorProcessing)
	}
	return &apdu.ResponseApdu{Data: data, SW: apdu.SWProcessCompleted}
}

func upperHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
