// Package flash implements the flash partitioning and low-level flash
// operations layer: erase/program/verify at sector and page granularity,
// with the alignment, bounds, and protected-region rules the rest of the
// firmware update core depends on.
package flash

import "errors"

// Result is the tagged outcome of a flash operation, mirrored as a byte
// enum for the systems-code paths (the tinygo/cgo backend) that return a
// raw status code before it is classified into a Go error.
type Result uint8

const (
	ResultSuccess Result = iota
	ResultInvalidParam
	ResultNotAligned
	ResultOutOfRange
	ResultVerifyFailed
	ResultCrcMismatch
	ResultTimeout
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "Success"
	case ResultInvalidParam:
		return "InvalidParam"
	case ResultNotAligned:
		return "NotAligned"
	case ResultOutOfRange:
		return "OutOfRange"
	case ResultVerifyFailed:
		return "VerifyFailed"
	case ResultCrcMismatch:
		return "CrcMismatch"
	case ResultTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

var (
	ErrInvalidParam = errors.New("flash: invalid parameter")
	ErrNotAligned   = errors.New("flash: offset or length not aligned")
	ErrOutOfRange   = errors.New("flash: offset or length out of range")
	ErrVerifyFailed = errors.New("flash: write verification failed")
	ErrCrcMismatch  = errors.New("flash: crc32 mismatch")
	ErrTimeout      = errors.New("flash: operation timed out")
)

// ToError maps a Result to its corresponding sentinel error (nil for
// ResultSuccess).
func (r Result) ToError() error {
	switch r {
	case ResultSuccess:
		return nil
	case ResultInvalidParam:
		return ErrInvalidParam
	case ResultNotAligned:
		return ErrNotAligned
	case ResultOutOfRange:
		return ErrOutOfRange
	case ResultVerifyFailed:
		return ErrVerifyFailed
	case ResultCrcMismatch:
		return ErrCrcMismatch
	case ResultTimeout:
		return ErrTimeout
	default:
		return ErrInvalidParam
	}
}

// FromError maps a sentinel error back to its Result, for logging call
// sites that want result-to-string formatting.
func FromError(err error) Result {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, ErrNotAligned):
		return ResultNotAligned
	case errors.Is(err, ErrOutOfRange):
		return ResultOutOfRange
	case errors.Is(err, ErrVerifyFailed):
		return ResultVerifyFailed
	case errors.Is(err, ErrCrcMismatch):
		return ResultCrcMismatch
	case errors.Is(err, ErrTimeout):
		return ResultTimeout
	default:
		return ResultInvalidParam
	}
}
