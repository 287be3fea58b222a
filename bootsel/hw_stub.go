//go:build !tinygo

package bootsel

import (
	"sync"

	"openenterprise/bindicator/flash"
)

// RecordingHalter is the host/test Halter: it records the reason instead
// of blinking an LED and spinning forever, so a test can assert Select
// actually halted without hanging the test binary.
type RecordingHalter struct {
	mu      sync.Mutex
	Halted  bool
	Reasons []string
}

// NewHalter returns a recording halter for host builds/tests.
func NewHalter() *RecordingHalter { return &RecordingHalter{} }

func (h *RecordingHalter) Halt(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Halted = true
	h.Reasons = append(h.Reasons, reason)
}

// RecordingJumper is the host/test Jumper: it records which bank Select
// chose instead of performing a hardware reboot.
type RecordingJumper struct {
	mu      sync.Mutex
	Jumped  bool
	Bank    flash.FirmwareBank
	History []flash.FirmwareBank
}

// NewJumper returns a recording jumper for host builds/tests.
func NewJumper() *RecordingJumper { return &RecordingJumper{} }

func (j *RecordingJumper) Jump(bank flash.FirmwareBank) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Jumped = true
	j.Bank = bank
	j.History = append(j.History, bank)
}
