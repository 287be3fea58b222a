package manager

import "errors"

var (
	ErrWrongState       = errors.New("manager: operation not valid in current state")
	ErrSizeExceedsBank  = errors.New("manager: expected size exceeds bank capacity")
	ErrChunkOverflow    = errors.New("manager: chunk would exceed declared total size")
	ErrSizeMismatch     = errors.New("manager: bytes received does not match declared total")
	ErrRollbackUnavailable = errors.New("manager: opposite bank is not valid")
)
