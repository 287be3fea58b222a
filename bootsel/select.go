// Package bootsel implements the boot-time bank selector: the small,
// single-threaded routine that runs before the scheduler starts, decides
// which application bank to transfer control to, and performs a same-boot
// rollback if the active bank has exhausted its try budget or fails
// validation.
package bootsel

import (
	"log/slog"

	"openenterprise/bindicator/flash"
	"openenterprise/bindicator/metadata"
)

// Halter signals that no bootable image exists and stops forward
// progress. On target hardware it drives a visible fault pattern (LED
// blink code) and never returns; the host stub just records the call so
// tests can assert on it.
type Halter interface {
	Halt(reason string)
}

// Jumper transfers control to the application entry point inside bank. On
// target hardware it never returns; the host stub records the bank so
// tests can assert on it without a real jump.
type Jumper interface {
	Jump(bank flash.FirmwareBank)
}

// Selector runs the boot-time selection contract against a metadata store
// and flash device that must already be initialized (no task scheduler,
// no heap growth beyond what NewStore/NewSimDevice already did).
type Selector struct {
	store *metadata.Store
	dev   flash.Device
	log   *slog.Logger
	halt  Halter
	jump  Jumper
}

// NewSelector returns a Selector. halt and jump are typically the
// hardware implementations in production and recording stubs in tests.
func NewSelector(store *metadata.Store, dev flash.Device, halt Halter, jump Jumper, log *slog.Logger) *Selector {
	return &Selector{store: store, dev: dev, log: log, halt: halt, jump: jump}
}

func (s *Selector) logInfo(msg string, args ...any) {
	if s.log != nil {
		s.log.Info(msg, args...)
	}
}

// rollbackTo marks bad invalid, flips the active bank to good with a
// fresh boot counter, and records the rollback event by delegating to
// the store's atomic TriggerRollback. When the store's current
// ActiveBank is not bad (step 2 has already fallen back to the opposite
// bank), it first sets ActiveBank to bad so TriggerRollback targets the
// right pair. It does not itself
// reboot: the caller is already pre-scheduler, so it simply re-enters
// selection against the now-updated record.
func (s *Selector) rollbackTo(bad, good flash.FirmwareBank) error {
	s.logInfo("bootsel:rollback", slog.String("from", bad.String()), slog.String("to", good.String()))
	if s.store.Read().ActiveBank != bad {
		if err := s.store.SetActiveBank(bad); err != nil {
			return err
		}
	}
	return s.store.TriggerRollback()
}

// Select runs the full boot contract and, on success, calls Jump and does
// not return (on the host stub, it returns after recording the jump so
// tests can inspect it). It returns an error only when Halt was invoked;
// Halt itself is responsible for actually stopping the boot.
func (s *Selector) Select() error {
	rec := s.store.Read()
	if err := rec.Validate(); err != nil {
		s.halt.Halt("no valid metadata: " + err.Error())
		return err
	}

	b := rec.ActiveBank
	if !rec.Banks[b].Valid {
		opp := b.Opposite()
		if !rec.Banks[opp].Valid {
			s.halt.Halt("active and opposite bank both invalid")
			return ErrNoBootableImage
		}
		b = opp
	}

	if rec.Banks[b].BootCount >= metadata.MaxBootAttempts {
		opp := b.Opposite()
		if !rec.Banks[opp].Valid {
			s.halt.Halt("boot budget exhausted, no fallback bank")
			return ErrNoBootableImage
		}
		if err := s.rollbackTo(b, opp); err != nil {
			s.halt.Halt("rollback failed: " + err.Error())
			return err
		}
		return s.Select()
	}

	if err := s.store.IncrementBootCount(b); err != nil {
		s.halt.Halt("metadata write failed: " + err.Error())
		return err
	}

	meta := s.store.Read().Banks[b]
	crc, err := s.dev.CalculateCRC32(flash.BankOffset(b), meta.Size, nil)
	if err != nil || crc != meta.CRC32 {
		opp := b.Opposite()
		rec = s.store.Read()
		if !rec.Banks[opp].Valid {
			s.halt.Halt("image CRC mismatch, no fallback bank")
			return ErrNoBootableImage
		}
		if err := s.rollbackTo(b, opp); err != nil {
			s.halt.Halt("rollback failed: " + err.Error())
			return err
		}
		return s.Select()
	}

	s.logInfo("bootsel:jump", slog.String("bank", b.String()), slog.Int("boot_count", int(meta.BootCount)))
	s.jump.Jump(b)
	return nil
}
