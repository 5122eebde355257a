package lib

import (
	"fmt"
	"math"
)

// ErrorI is the error type used across the project: a standard error that also
// carries a numeric code and the module it originated from
type ErrorI interface {
	Code() ErrorCode     // Returns the error code
	Module() ErrorModule // Returns the error module
	error                // Implements the built-in error interface
}

var _ ErrorI = &Error{} // Ensures *Error implements ErrorI

type ErrorCode uint32 // Defines a type for error codes

type ErrorModule string // Defines a type for error modules

type Error struct {
	ECode   ErrorCode   `json:"code"`   // Error code
	EModule ErrorModule `json:"module"` // Error module
	Msg     string      `json:"msg"`    // Error message
}

func NewError(code ErrorCode, module ErrorModule, msg string) *Error {
	return &Error{ECode: code, EModule: module, Msg: msg}
}

// Code() returns the associated error code
func (p *Error) Code() ErrorCode { return p.ECode }

// Module() returns module field
func (p *Error) Module() ErrorModule { return p.EModule }

// String() calls Error()
func (p *Error) String() string { return p.Error() }

// Error() returns a formatted string including module, code, and message
func (p *Error) Error() string {
	return fmt.Sprintf("\nModule:  %s\nCode:    %d\nMessage: %s", p.EModule, p.ECode, p.Msg)
}

const (
	NoCode ErrorCode = math.MaxUint32

	// Main Module
	MainModule ErrorModule = "main"

	// Main Module Error Codes
	CodeJSONMarshal        ErrorCode = 1
	CodeJSONUnmarshal      ErrorCode = 2
	CodeMarshal            ErrorCode = 3
	CodeUnmarshal          ErrorCode = 4
	CodeInvalidAddress     ErrorCode = 5
	CodeInvalidSignature   ErrorCode = 6
	CodeStringToBytes      ErrorCode = 7
	CodeWriteFile          ErrorCode = 8
	CodeReadFile           ErrorCode = 9
	CodeInvalidPoolId      ErrorCode = 10
	CodeNilOrder           ErrorCode = 11
	CodeInvalidOrderKind   ErrorCode = 12
	CodeInvalidAmount      ErrorCode = 13
	CodeInvalidDeadline    ErrorCode = 14
	CodeSignatureSize      ErrorCode = 15
	CodeRecoverSigner      ErrorCode = 16
	CodeNewPubKeyFromBytes ErrorCode = 17

	// Consensus Module
	ConsensusModule ErrorModule = "consensus"

	// Consensus Module Error Codes
	CodeInvalidMessageId          ErrorCode = 1
	CodeOversizedMessage          ErrorCode = 2
	CodeWrongHeight               ErrorCode = 3
	CodeValidatorNotInSet         ErrorCode = 4
	CodeInvalidValidatorIndex     ErrorCode = 5
	CodeInvalidAggregateSignature ErrorCode = 6
	CodeEmptySignerBitmap         ErrorCode = 7
	CodeInvalidSignerBitmap       ErrorCode = 8
	CodeMismatchedBitmaps         ErrorCode = 9
	CodeUnableToAddSigner         ErrorCode = 10
	CodeAggregateSignature        ErrorCode = 11
	CodeProposalBuild             ErrorCode = 12
	CodeTransactionSubmission     ErrorCode = 13
	CodeQuorumTimeout             ErrorCode = 14
	CodeUnexpectedProposal        ErrorCode = 15
	CodeEmptyPreProposal          ErrorCode = 16
	CodeInvalidPreProposalSig     ErrorCode = 17
	CodeValidatorSetTooLarge      ErrorCode = 18
	CodeNewMultiPubKey            ErrorCode = 19
	CodeEmptyValidatorSet         ErrorCode = 20

	// Order Pool Module
	OrderPoolModule ErrorModule = "orderpool"

	// Order Pool Module Error Codes
	CodeMaxPoolSize    ErrorCode = 1
	CodeNoPool         ErrorCode = 2
	CodeDuplicateOrder ErrorCode = 3
	CodeOrderNotFound  ErrorCode = 4

	// Validation Module
	ValidationModule ErrorModule = "validation"

	// Validation Module Error Codes
	CodeDuplicateNonce    ErrorCode = 1
	CodeBlockMismatch     ErrorCode = 2
	CodeOrderIsCancelled  ErrorCode = 3
	CodeOversizedOrder    ErrorCode = 4
	CodeInsufficientFunds ErrorCode = 5
	CodeGasBeyondOrder    ErrorCode = 6
	CodeStateFetch        ErrorCode = 7
	CodePipelineClosed    ErrorCode = 8

	// P2P Module
	P2PModule ErrorModule = "p2p"

	// P2P Module Error Codes
	CodeFailedDial          ErrorCode = 1
	CodeFailedListen        ErrorCode = 2
	CodeFailedRead          ErrorCode = 3
	CodeFailedWrite         ErrorCode = 4
	CodeFailedDiffieHellman ErrorCode = 5
	CodeFailedHKDF          ErrorCode = 6
	CodeFailedChallenge     ErrorCode = 7
	CodeConnDecrypt         ErrorCode = 8
	CodeChunkSize           ErrorCode = 9
	CodeUnknownPeer         ErrorCode = 10
	CodePeerNotConnected    ErrorCode = 11
	CodeTransportClosed     ErrorCode = 12
)

func ErrJSONMarshal(err error) ErrorI {
	return NewError(CodeJSONMarshal, MainModule, fmt.Sprintf("jsonMarshal() failed with err: %s", err.Error()))
}

func ErrJSONUnmarshal(err error) ErrorI {
	return NewError(CodeJSONUnmarshal, MainModule, fmt.Sprintf("jsonUnmarshal() failed with err: %s", err.Error()))
}

func ErrMarshal(err error) ErrorI {
	return NewError(CodeMarshal, MainModule, fmt.Sprintf("marshal() failed with err: %s", err.Error()))
}

func ErrUnmarshal(err error) ErrorI {
	return NewError(CodeUnmarshal, MainModule, fmt.Sprintf("unmarshal() failed with err: %s", err.Error()))
}

func ErrInvalidAddress() ErrorI {
	return NewError(CodeInvalidAddress, MainModule, "address is invalid")
}

func ErrInvalidSignature() ErrorI {
	return NewError(CodeInvalidSignature, MainModule, "signature is invalid")
}

func ErrInvalidSignatureSize(size int) ErrorI {
	return NewError(CodeSignatureSize, MainModule, fmt.Sprintf("signature size %d is invalid", size))
}

func ErrRecoverSigner(err error) ErrorI {
	return NewError(CodeRecoverSigner, MainModule, fmt.Sprintf("recoverSigner() failed with err: %s", err.Error()))
}

func ErrNilOrder() ErrorI {
	return NewError(CodeNilOrder, MainModule, "order is nil")
}

func ErrInvalidOrderKind(kind uint8) ErrorI {
	return NewError(CodeInvalidOrderKind, MainModule, fmt.Sprintf("order kind %d is invalid", kind))
}

func ErrInvalidAmount() ErrorI {
	return NewError(CodeInvalidAmount, MainModule, "order amount is nil or negative")
}

func ErrWriteFile(err error) ErrorI {
	return NewError(CodeWriteFile, MainModule, fmt.Sprintf("writeFile() failed with err: %s", err.Error()))
}

func ErrReadFile(err error) ErrorI {
	return NewError(CodeReadFile, MainModule, fmt.Sprintf("readFile() failed with err: %s", err.Error()))
}

func ErrInvalidPoolId() ErrorI {
	return NewError(CodeInvalidPoolId, MainModule, "pool id is invalid")
}

func ErrInvalidDeadline(deadline, current uint64) ErrorI {
	return NewError(CodeInvalidDeadline, MainModule, fmt.Sprintf("order deadline %d is behind the current block %d", deadline, current))
}

func ErrStringToBytes(err error) ErrorI {
	return NewError(CodeStringToBytes, MainModule, fmt.Sprintf("stringToBytes() failed with err: %s", err.Error()))
}

func ErrNewPubKeyFromBytes(err error) ErrorI {
	return NewError(CodeNewPubKeyFromBytes, MainModule, fmt.Sprintf("newPublicKeyFromBytes() failed with err: %s", err.Error()))
}
