// Package manager implements the firmware manager state machine that
// orchestrates staging, validation, activation, boot-confirmation, and
// rollback.
package manager

import (
	"sync"

	"openenterprise/bindicator/flash"
)

// State is one of the firmware manager's state-machine states.
type State uint8

const (
	Idle State = iota
	Preparing
	Erasing
	Receiving
	Validating
	Complete
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Preparing:
		return "Preparing"
	case Erasing:
		return "Erasing"
	case Receiving:
		return "Receiving"
	case Validating:
		return "Validating"
	case Complete:
		return "Complete"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Status is the in-RAM, not-persisted snapshot of update progress.
type Status struct {
	State          State
	BytesReceived  uint32
	TotalBytes     uint32
	ProgressPercent int
	TargetBank     flash.FirmwareBank
	ErrorMessage   string
}

// statusBox guards Status behind a short critical section: written by
// the manager, read by the status REST handler, so access must be
// synchronized rather than a plain struct copy.
type statusBox struct {
	mu sync.Mutex
	st Status
}

func (b *statusBox) snapshot() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.st
}

func (b *statusBox) set(fn func(*Status)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(&b.st)
}
