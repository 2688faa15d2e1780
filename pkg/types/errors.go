package types

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfOrder means local sequencing was violated.
	ErrOutOfOrder = errors.New("out of order")
	// ErrInvalidRange means a malformed height range was requested.
	ErrInvalidRange = errors.New("invalid range")
	// ErrConflictingHistory means a different event already exists at a height.
	ErrConflictingHistory = errors.New("conflicting history")
	// ErrIncompleteDelta means a sync response does not cover its range.
	ErrIncompleteDelta = errors.New("incomplete delta")
	ErrInvalidProof    = errors.New("invalid proof")
	ErrUnknownGroup    = errors.New("unknown group")
	ErrGroupClosed     = errors.New("group closed")
	// ErrNotConnected means the sender has not completed a handshake for the group.
	ErrNotConnected = errors.New("peer not connected")
	// ErrNotAuthorized means the sender may not change the group's lifecycle or name.
	ErrNotAuthorized = errors.New("not authorized")
)

// Wire codes for error kinds.
const (
	CodeOutOfOrder         = "OUT_OF_ORDER"
	CodeInvalidRange       = "INVALID_RANGE"
	CodeConflictingHistory = "CONFLICTING_HISTORY"
	CodeIncompleteDelta    = "INCOMPLETE_DELTA"
	CodeInvalidProof       = "INVALID_PROOF"
	CodeUnknownGroup       = "UNKNOWN_GROUP"
	CodeGroupClosed        = "GROUP_CLOSED"
	CodeNotConnected       = "NOT_CONNECTED"
	CodeNotAuthorized      = "NOT_AUTHORIZED"
	CodeInternal           = "INTERNAL"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrOutOfOrder, CodeOutOfOrder},
	{ErrInvalidRange, CodeInvalidRange},
	{ErrConflictingHistory, CodeConflictingHistory},
	{ErrIncompleteDelta, CodeIncompleteDelta},
	{ErrInvalidProof, CodeInvalidProof},
	{ErrUnknownGroup, CodeUnknownGroup},
	{ErrGroupClosed, CodeGroupClosed},
	{ErrNotConnected, CodeNotConnected},
	{ErrNotAuthorized, CodeNotAuthorized},
}

// ErrorCode returns the wire code for err's kind.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// ErrorFromCode rebuilds an error of the kind named by code.
func ErrorFromCode(code, message string) error {
	for _, c := range codes {
		if c.code == code {
			if message == "" || message == c.err.Error() {
				return c.err
			}
			return fmt.Errorf("%w: %s", c.err, message)
		}
	}
	return fmt.Errorf("%s: %s", code, message)
}
