package apdu

import (
	"fmt"

	"github.com/SimplyPrint/tangem-agent/internal/sdkerr"
)

// StatusWord is the SW1SW2 trailer of a card response.
type StatusWord uint16

const (
	SWProcessCompleted  StatusWord = 0x9000
	SWInvalidParams     StatusWord = 0x6A86
	SWErrorProcessing   StatusWord = 0x6286
	SWInvalidState      StatusWord = 0x6985
	SWInsNotSupported   StatusWord = 0x6D00
	SWNeedEncryption    StatusWord = 0x6982
	SWNeedPause         StatusWord = 0x9789
	SWPin1Changed       StatusWord = 0x9001
	SWPin2Changed       StatusWord = 0x9002
	SWPinsChanged       StatusWord = 0x9003
	SWFileNotFound      StatusWord = 0x6A82
	SWWrongLength       StatusWord = 0x6700
	SWSecurityViolation StatusWord = 0x6A81
)

var statusNames = map[StatusWord]string{
	SWProcessCompleted:  "ProcessCompleted",
	SWInvalidParams:     "InvalidParams",
	SWErrorProcessing:   "ErrorProcessingCommand",
	SWInvalidState:      "InvalidState",
	SWInsNotSupported:   "InsNotSupported",
	SWNeedEncryption:    "NeedEncryption",
	SWNeedPause:         "NeedPause",
	SWPin1Changed:       "Pin1Changed",
	SWPin2Changed:       "Pin2Changed",
	SWPinsChanged:       "PinsChanged",
	SWFileNotFound:      "FileNotFound",
	SWWrongLength:       "WrongLength",
	SWSecurityViolation: "SecurityViolation",
}

func (sw StatusWord) String() string {
	if name, ok := statusNames[sw]; ok {
		return fmt.Sprintf("%s (%04X)", name, uint16(sw))
	}
	return fmt.Sprintf("Unknown (%04X)", uint16(sw))
}

// IsSuccess reports the status words that carry a usable response.
func (sw StatusWord) IsSuccess() bool {
	switch sw {
	case SWProcessCompleted, SWPin1Changed, SWPin2Changed, SWPinsChanged:
		return true
	}
	return false
}

// Err maps a failing status word to its typed error; success yields nil.
func (sw StatusWord) Err(op string) error {
	if sw.IsSuccess() {
		return nil
	}
	var code sdkerr.Code
	switch sw {
	case SWInvalidParams:
		code = sdkerr.CodeInvalidParams
	case SWInvalidState:
		code = sdkerr.CodeInvalidState
	case SWInsNotSupported:
		code = sdkerr.CodeInsNotSupported
	case SWNeedEncryption:
		code = sdkerr.CodeNeedEncryption
	case SWErrorProcessing:
		code = sdkerr.CodeErrorProcessingCommand
	default:
		code = sdkerr.CodeUnknownStatus
	}
	return &sdkerr.Error{Code: code, Op: op, Message: "card returned " + sw.String()}
}
