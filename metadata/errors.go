package metadata

import "errors"

var (
	ErrBadLength       = errors.New("metadata: sector shorter than a record")
	ErrBadMagic        = errors.New("metadata: bad magic")
	ErrBadVersion      = errors.New("metadata: unsupported schema version")
	ErrBadActiveBank   = errors.New("metadata: active_bank does not name a real bank")
	ErrBadCRC          = errors.New("metadata: record crc32 mismatch")
	ErrNoValidSector   = errors.New("metadata: neither sector holds a valid record")
	ErrWriteVerify     = errors.New("metadata: write-back re-validation failed")
	ErrOppositeInvalid = errors.New("metadata: opposite bank is not valid, cannot roll back")
)
