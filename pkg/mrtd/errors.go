package mrtd

import (
	"errors"
	"fmt"
)

// Status word constants for ISO 7816-4 responses seen on eMRTD chips
const (
	SWSuccess                = 0x9000 // Normal processing
	SWEndOfFile              = 0x6282 // End of file reached before Le bytes
	SWWrongLength            = 0x6700 // Wrong length
	SWSecurityNotSatisfied   = 0x6982 // Security status not satisfied (need BAC/PACE)
	SWAuthMethodBlocked      = 0x6983 // Authentication method blocked
	SWConditionsNotSatisfied = 0x6985 // Conditions of use not satisfied
	SWSMDataMissing          = 0x6987 // Expected secure messaging data objects missing
	SWSMDataIncorrect        = 0x6988 // Incorrect secure messaging data objects
	SWWrongData              = 0x6A80 // Incorrect parameters in the data field
	SWFileNotFound           = 0x6A82 // File or application not found
	SWWrongP1P2              = 0x6A86 // Incorrect P1/P2 parameters
	SWOffsetOutOfRange       = 0x6B00 // Offset outside the EF
	SWInsNotSupported        = 0x6D00 // Instruction not supported
)

// SWError represents a non-success status word returned by the chip.
type SWError struct {
	Cmd byte   // Command INS byte
	SW  uint16 // Status word
}

func (e *SWError) Error() string {
	return fmt.Sprintf("card command 0x%02X failed with SW=0x%04X (%s)", e.Cmd, e.SW, swDescription(e.SW))
}

func swDescription(sw uint16) string {
	switch sw {
	case SWSuccess:
		return "success"
	case SWEndOfFile:
		return "end of file"
	case SWWrongLength:
		return "wrong length"
	case SWSecurityNotSatisfied:
		return "security status not satisfied"
	case SWAuthMethodBlocked:
		return "authentication method blocked"
	case SWConditionsNotSatisfied:
		return "conditions of use not satisfied"
	case SWSMDataMissing:
		return "secure messaging data objects missing"
	case SWSMDataIncorrect:
		return "secure messaging data objects incorrect"
	case SWWrongData:
		return "wrong data"
	case SWFileNotFound:
		return "file not found"
	case SWWrongP1P2:
		return "wrong P1/P2"
	case SWOffsetOutOfRange:
		return "offset out of range"
	case SWInsNotSupported:
		return "instruction not supported"
	default:
		if sw&0xFF00 == 0x6C00 {
			return fmt.Sprintf("wrong Le (correct Le=%d)", sw&0xFF)
		}
		if sw&0xFF00 == 0x6300 {
			return "verification failed"
		}
		return "unknown error"
	}
}

// IsFileNotFound reports whether err is a file-not-found status word error.
func IsFileNotFound(err error) bool {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr.SW == SWFileNotFound
	}
	return false
}

// IsSecurityStatusError reports whether the chip refused a command for lack of
// authentication or because secure messaging objects were wrong.
func IsSecurityStatusError(err error) bool {
	var swErr *SWError
	if errors.As(err, &swErr) {
		switch swErr.SW {
		case SWSecurityNotSatisfied, SWAuthMethodBlocked, SWSMDataMissing, SWSMDataIncorrect:
			return true
		}
	}
	return false
}

// ErrorKind classifies failures surfaced by a read.
type ErrorKind int

const (
	// KindTransport covers lost tags, timeouts and malformed responses.
	KindTransport ErrorKind = iota + 1
	// KindAuthentication covers access control and secure messaging
	// integrity failures, including an unusable access key.
	KindAuthentication
	// KindDataGroupParse covers mandatory files that are missing or
	// structurally invalid.
	KindDataGroupParse
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport error"
	case KindAuthentication:
		return "authentication error"
	case KindDataGroupParse:
		return "data group parse error"
	default:
		return "unknown error"
	}
}

// ReadError is the error returned by a failed read. Op names the step that
// failed, for example "bac.mutual_authenticate" or "read.dg2".
type ReadError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ReadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Op, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// KindOf returns the kind of the first ReadError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var re *ReadError
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}

// IsTransportError reports whether err is a transport failure.
func IsTransportError(err error) bool { return KindOf(err) == KindTransport }

// IsAuthenticationError reports whether err is an access or integrity failure.
func IsAuthenticationError(err error) bool { return KindOf(err) == KindAuthentication }

// IsDataGroupParseError reports whether err is a mandatory file failure.
func IsDataGroupParseError(err error) bool { return KindOf(err) == KindDataGroupParse }

// classify wraps err as a ReadError of the given kind unless it already
// carries a kind.
func classify(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != 0 {
		return err
	}
	return &ReadError{Kind: kind, Op: op, Err: err}
}

var (
	// ErrIntegrity is returned when a secure messaging MAC does not verify.
	ErrIntegrity = errors.New("secure messaging integrity check failed")
	// ErrSessionBroken is returned by a session that already failed an
	// integrity check.
	ErrSessionBroken = errors.New("secure messaging session is no longer usable")
	// ErrTimeout is returned when the chip does not answer within the
	// transport timeout.
	ErrTimeout = errors.New("chip did not respond before timeout")
)
