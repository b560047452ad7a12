// Package sdkerr defines the errors reported across a card session.
package sdkerr

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies an error kind for programmatic handling.
type Code int

const (
	// Serialization (100-199)
	CodeSerialization Code = iota + 100
	CodeDecodingFailed
	CodeEncryptionFailed
	CodeMissingTag
)

const (
	// Card status words (200-299)
	CodeInvalidState Code = iota + 200
	CodeInsNotSupported
	CodeInvalidParams
	CodeNeedEncryption
	CodeErrorProcessingCommand
	CodeUnknownStatus
)

const (
	// Session lifecycle (300-399)
	CodeBusy Code = iota + 300
	CodeUserCancelled
	CodeTagLost
	CodeExtendedLengthNotSupported
	CodeReaderError
	CodeSessionInactive
)

const (
	// Card identity (400-499)
	CodeWrongCard Code = iota + 400
	CodeWrongCardType
	CodeCardMissingData
	CodeNotPersonalized
	CodeNoWallet
)

const (
	// Verification (500-599)
	CodeVerificationFailed Code = iota + 500
)

var codeNames = map[Code]string{
	CodeSerialization:              "serialization error",
	CodeDecodingFailed:             "decoding failed",
	CodeEncryptionFailed:           "encryption failed",
	CodeMissingTag:                 "missing required tag",
	CodeInvalidState:               "invalid state",
	CodeInsNotSupported:            "instruction not supported",
	CodeInvalidParams:              "invalid params",
	CodeNeedEncryption:             "encryption required",
	CodeErrorProcessingCommand:     "error processing command",
	CodeUnknownStatus:              "unknown status",
	CodeBusy:                       "busy",
	CodeUserCancelled:              "user cancelled",
	CodeTagLost:                    "tag lost",
	CodeExtendedLengthNotSupported: "extended length not supported",
	CodeReaderError:                "reader error",
	CodeSessionInactive:            "session inactive",
	CodeWrongCard:                  "wrong card",
	CodeWrongCardType:              "wrong card type",
	CodeCardMissingData:            "card is missing data",
	CodeNotPersonalized:            "card not personalized",
	CodeNoWallet:                   "card has no wallet",
	CodeVerificationFailed:         "verification failed",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("error code %d", int(c))
}

// Error is the error type returned at the session boundary.
type Error struct {
	Code    Code
	Op      string // Operation that failed, e.g. "Sign" or "OpenSession"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	if e.Message != "" {
		sb.WriteString(e.Message)
	} else {
		sb.WriteString(e.Code.String())
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same Code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrBusy                       = &Error{Code: CodeBusy}
	ErrUserCancelled              = &Error{Code: CodeUserCancelled}
	ErrTagLost                    = &Error{Code: CodeTagLost}
	ErrExtendedLengthNotSupported = &Error{Code: CodeExtendedLengthNotSupported}
	ErrNeedEncryption             = &Error{Code: CodeNeedEncryption}
	ErrInvalidParams              = &Error{Code: CodeInvalidParams}
	ErrInvalidState               = &Error{Code: CodeInvalidState}
	ErrInsNotSupported            = &Error{Code: CodeInsNotSupported}
	ErrWrongCard                  = &Error{Code: CodeWrongCard}
	ErrWrongCardType              = &Error{Code: CodeWrongCardType}
	ErrCardMissingData            = &Error{Code: CodeCardMissingData}
	ErrVerificationFailed         = &Error{Code: CodeVerificationFailed}
	ErrSerialization              = &Error{Code: CodeSerialization}
)

// New builds an error of the given code.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Wrap builds an error of the given code around cause.
func Wrap(code Code, op string, cause error) *Error {
	return &Error{Code: code, Op: op, Cause: cause}
}

// Serialization reports a command that could not be built or a response that could not be parsed.
func Serialization(op string, cause error) *Error {
	return &Error{Code: CodeSerialization, Op: op, Message: "serialization error", Cause: cause}
}

// Decoding reports a response payload that could not be decoded.
func Decoding(op string, cause error) *Error {
	return &Error{Code: CodeDecodingFailed, Op: op, Message: "decoding failed", Cause: cause}
}

// Busy reports an operation rejected because another one is in flight.
func Busy(op string) *Error {
	return &Error{Code: CodeBusy, Op: op, Message: "another operation is in progress"}
}

// UserCancelled reports an operation cancelled by the caller.
func UserCancelled(op string, cause error) *Error {
	return &Error{Code: CodeUserCancelled, Op: op, Message: "cancelled by user", Cause: cause}
}

// TagLost reports a card removed while a command was in flight.
func TagLost(op string, cause error) *Error {
	return &Error{Code: CodeTagLost, Op: op, Message: "tag lost", Cause: cause}
}

// Reader reports a transport failure not attributable to the card.
func Reader(op string, cause error) *Error {
	return &Error{Code: CodeReaderError, Op: op, Message: "reader error", Cause: cause}
}

// Verification reports a signature or data check that did not hold.
func Verification(op, message string) *Error {
	return &Error{Code: CodeVerificationFailed, Op: op, Message: message}
}

// CodeOf returns the Code of the first *Error in err's chain, or 0.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

func inRange(err error, lo, hi Code) bool {
	c := CodeOf(err)
	return c >= lo && c <= hi
}

// IsSerialization reports a serialization or decoding error.
func IsSerialization(err error) bool { return inRange(err, 100, 199) }

// IsStatus reports an error carried by a card status word.
func IsStatus(err error) bool { return inRange(err, 200, 299) }

// IsLifecycle reports a session lifecycle error.
func IsLifecycle(err error) bool { return inRange(err, 300, 399) }

// IsCardIdentity reports a wrong-card or card-data error.
func IsCardIdentity(err error) bool { return inRange(err, 400, 499) }

// IsVerification reports a failed verification.
func IsVerification(err error) bool { return inRange(err, 500, 599) }
