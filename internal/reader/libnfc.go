package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/clausecker/nfc/v2"

	"github.com/SimplyPrint/tangem-agent/internal/apdu"
	"github.com/SimplyPrint/tangem-agent/internal/logging"
	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
	"github.com/SimplyPrint/tangem-agent/internal/session"
)

// maxFrameSize is the receive buffer for one extended-length response.
const maxFrameSize = 65538

var iso14443a = nfc.Modulation{Type: nfc.ISO14443a, BaudRate: nfc.Nbr106}

// NFCDevice is the part of a libnfc device the reader uses.
type NFCDevice interface {
	InitiatorInit() error
	InitiatorListPassiveTargets(m nfc.Modulation) ([]nfc.Target, error)
	InitiatorSelectPassiveTarget(m nfc.Modulation, initData []byte) (nfc.Target, error)
	InitiatorTargetIsPresent(t nfc.Target) error
	InitiatorTransceiveBytes(tx, rx []byte, timeout int) (int, error)
	Close() error
	String() string
}

// DeviceOpener opens a libnfc device by connection string.
type DeviceOpener func(connstring string) (NFCDevice, error)

type libnfcDevice struct {
	dev nfc.Device
}

func (d *libnfcDevice) InitiatorInit() error { return d.dev.InitiatorInit() }

func (d *libnfcDevice) InitiatorListPassiveTargets(m nfc.Modulation) ([]nfc.Target, error) {
	return d.dev.InitiatorListPassiveTargets(m)
}

func (d *libnfcDevice) InitiatorSelectPassiveTarget(m nfc.Modulation, initData []byte) (nfc.Target, error) {
	return d.dev.InitiatorSelectPassiveTarget(m, initData)
}

func (d *libnfcDevice) InitiatorTargetIsPresent(t nfc.Target) error {
	return d.dev.InitiatorTargetIsPresent(t)
}

func (d *libnfcDevice) InitiatorTransceiveBytes(tx, rx []byte, timeout int) (int, error) {
	return d.dev.InitiatorTransceiveBytes(tx, rx, timeout)
}

func (d *libnfcDevice) Close() error   { return d.dev.Close() }
func (d *libnfcDevice) String() string { return d.dev.String() }

// OpenDevice opens a libnfc device. An empty connstring picks the first one.
func OpenDevice(connstring string) (NFCDevice, error) {
	dev, err := nfc.Open(connstring)
	if err != nil {
		return nil, fmt.Errorf("failed to open NFC device %q: %w", connstring, err)
	}
	return &libnfcDevice{dev: dev}, nil
}

// ListLibNFC returns the libnfc devices attached to the system.
func ListLibNFC() ([]Info, error) {
	var (
		devices []string
		err     error
	)
	for i := 0; i < 3; i++ {
		if devices, err = nfc.ListDevices(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list NFC devices: %w", err)
	}
	out := make([]Info, 0, len(devices))
	for _, d := range devices {
		out = append(out, Info{Name: d, Backend: BackendLibNFC})
	}
	return out, nil
}

// LibNFCReader talks to ISO 14443-4A cards through a libnfc device. The field
// is polled for a card while none is selected; once selected, presence is
// checked between exchanges.
type LibNFCReader struct {
	open DeviceOpener
	opts Options
	tags tagStream

	mu     sync.Mutex
	dev    NFCDevice
	target nfc.Target
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLibNFCReader creates a reader. open may be nil to use libnfc directly.
func NewLibNFCReader(open DeviceOpener, opts Options) *LibNFCReader {
	if open == nil {
		open = OpenDevice
	}
	return &LibNFCReader{
		open: open,
		opts: opts,
		tags: tagStream{name: "libnfc"},
	}
}

func (r *LibNFCReader) Tags() <-chan session.TagType {
	return r.tags.channel()
}

func (r *LibNFCReader) StartSession(ctx context.Context) error {
	const op = "StartSession"
	dev, err := r.open(r.opts.Name)
	if err != nil {
		return sdkerr.Reader(op, err)
	}
	if err := dev.InitiatorInit(); err != nil {
		dev.Close()
		return sdkerr.Reader(op, fmt.Errorf("failed to init initiator mode: %w", err))
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.mu.Lock()
	r.dev, r.target, r.cancel, r.done = dev, nil, cancel, done
	r.mu.Unlock()
	r.tags.open(dev.String())

	logging.Info(logging.CatReader, "libnfc session opened", map[string]any{
		"device": dev.String(),
	})
	go r.poll(pollCtx, done)
	return nil
}

func (r *LibNFCReader) poll(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer logging.RecoverAndLog("libnfc poll", false)

	ticker := time.NewTicker(r.opts.interval())
	defer ticker.Stop()
	for {
		r.probe()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// probe selects a card when none is selected and checks that a selected card
// is still in the field. It holds the lock so it never interleaves with an exchange.
func (r *LibNFCReader) probe() {
	r.mu.Lock()
	dev, target := r.dev, r.target
	if dev == nil {
		r.mu.Unlock()
		return
	}

	if target != nil {
		if err := dev.InitiatorTargetIsPresent(target); err != nil {
			r.target = nil
			r.mu.Unlock()
			r.tags.emit(session.TagNone)
		} else {
			r.mu.Unlock()
		}
		return
	}

	selected, err := r.selectLocked(dev)
	r.mu.Unlock()
	if err != nil {
		logging.Debug(logging.CatReader, "Target selection failed", map[string]any{
			"error": err.Error(),
		})
		return
	}
	if selected {
		r.tags.emit(session.TagNfc)
	}
}

func (r *LibNFCReader) selectLocked(dev NFCDevice) (bool, error) {
	targets, err := dev.InitiatorListPassiveTargets(iso14443a)
	if err != nil {
		return false, err
	}
	for _, t := range targets {
		a, ok := t.(*nfc.ISO14443aTarget)
		if !ok || a.UIDLen == 0 || int(a.UIDLen) > len(a.UID) {
			continue
		}
		// Tangem cards speak ISO 14443-4
		if a.Sak&0x20 == 0 {
			continue
		}
		uid := a.UID[:a.UIDLen]
		selected, err := dev.InitiatorSelectPassiveTarget(iso14443a, uid)
		if err != nil {
			return false, err
		}
		r.target = selected
		logging.Info(logging.CatReader, "Card selected", map[string]any{
			"uid": hexString(uid),
			"sak": fmt.Sprintf("%02X", a.Sak),
		})
		return true, nil
	}
	return false, nil
}

func (r *LibNFCReader) CloseSession() error {
	r.mu.Lock()
	dev, cancel, done := r.dev, r.cancel, r.done
	r.dev, r.target, r.cancel, r.done = nil, nil, nil, nil
	r.mu.Unlock()
	if dev == nil {
		return nil
	}
	cancel()
	<-done
	if err := dev.Close(); err != nil {
		return sdkerr.Reader("CloseSession", err)
	}
	return nil
}

func (r *LibNFCReader) TransceiveApdu(ctx context.Context, cmd *apdu.CommandApdu) (*apdu.ResponseApdu, error) {
	const op = "Transceive"
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cmd.IsExtended() && !r.opts.ExtendedLength {
		return nil, sdkerr.New(sdkerr.CodeExtendedLengthNotSupported, op, "device is configured without extended length support")
	}

	r.mu.Lock()
	if r.dev == nil || r.target == nil {
		r.mu.Unlock()
		return nil, sdkerr.TagLost(op, nil)
	}
	rx := make([]byte, maxFrameSize)
	n, err := r.dev.InitiatorTransceiveBytes(cmd.Bytes(), rx, 0)
	if err != nil {
		// a failed exchange with a card that left the field is a tag loss
		if presentErr := r.dev.InitiatorTargetIsPresent(r.target); presentErr != nil {
			r.target = nil
			r.mu.Unlock()
			r.tags.emit(session.TagNone)
			return nil, sdkerr.TagLost(op, err)
		}
		r.mu.Unlock()
		return nil, sdkerr.Reader(op, err)
	}
	r.mu.Unlock()

	if n < 2 {
		return nil, sdkerr.Decoding(op, errors.New("response shorter than a status word"))
	}
	resp, err := apdu.ParseResponse(rx[:n])
	if err != nil {
		return nil, sdkerr.Decoding(op, err)
	}
	if cmd.IsExtended() && resp.SW == apdu.SWWrongLength {
		return nil, sdkerr.New(sdkerr.CodeExtendedLengthNotSupported, op, "card rejected an extended length frame")
	}
	return resp, nil
}
