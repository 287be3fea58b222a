// Package sink is the thin adapter between an inbound byte stream — an
// HTTP upload or a pulled URL — and the firmware manager.
// It owns no flash or metadata state itself; every byte it reads is
// handed straight to a manager.Manager.
package sink

import "sync"

// State is one step of the download/upload state machine.
type State uint8

const (
	Idle State = iota
	ParsingURL
	ResolvingDNS
	Connecting
	SendingRequest
	ReceivingHeaders
	ReceivingBody
	Validating
	Complete
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ParsingURL:
		return "ParsingURL"
	case ResolvingDNS:
		return "ResolvingDNS"
	case Connecting:
		return "Connecting"
	case SendingRequest:
		return "SendingRequest"
	case ReceivingHeaders:
		return "ReceivingHeaders"
	case ReceivingBody:
		return "ReceivingBody"
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

// Status is a snapshot of the sink's progress, read by the same REST/
// console surface that reads manager.Status.
type Status struct {
	State        State
	ErrorMessage string
}

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
