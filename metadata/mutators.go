package metadata

import "openenterprise/bindicator/flash"

// SetActiveBank atomically switches which bank the boot selector will
// jump to.
func (s *Store) SetActiveBank(bank flash.FirmwareBank) error {
	return s.Mutate(func(r *Record) {
		r.ActiveBank = bank
	})
}

// IncrementBootCount bumps bank's boot counter by one, capped at
// MaxBootAttempts.
func (s *Store) IncrementBootCount(bank flash.FirmwareBank) error {
	return s.Mutate(func(r *Record) {
		bm := r.Banks[bank]
		if bm.BootCount < MaxBootAttempts {
			bm.BootCount++
		}
		r.Banks[bank] = bm
	})
}

// ResetBootCount clears bank's boot counter, called by ConfirmBoot once
// the application considers itself healthy.
func (s *Store) ResetBootCount(bank flash.FirmwareBank) error {
	return s.Mutate(func(r *Record) {
		bm := r.Banks[bank]
		bm.BootCount = 0
		r.Banks[bank] = bm
	})
}

// MarkBankValid records that bank now holds a verified image.
func (s *Store) MarkBankValid(bank flash.FirmwareBank, crc32 uint32, size uint32, version string) error {
	return s.Mutate(func(r *Record) {
		bm := r.Banks[bank]
		bm.CRC32 = crc32
		bm.Size = size
		bm.SetVersionString(version)
		bm.Valid = true
		r.Banks[bank] = bm
	})
}

// MarkBankInvalid flags bank as unusable and pins its boot counter at
// MaxBootAttempts so the boot selector never selects it again without an
// explicit re-flash.
func (s *Store) MarkBankInvalid(bank flash.FirmwareBank) error {
	return s.Mutate(func(r *Record) {
		bm := r.Banks[bank]
		bm.Valid = false
		bm.BootCount = MaxBootAttempts
		r.Banks[bank] = bm
	})
}

// SetUpdateInProgress records that target is being staged.
func (s *Store) SetUpdateInProgress(target flash.FirmwareBank) error {
	return s.Mutate(func(r *Record) {
		r.UpdateInProgress = true
		r.UpdateTargetBank = target
	})
}

// ClearUpdateInProgress clears the in-progress flag, leaving bank metadata
// otherwise untouched (besides the sequence bump every write carries).
func (s *Store) ClearUpdateInProgress() error {
	return s.Mutate(func(r *Record) {
		r.UpdateInProgress = false
		r.UpdateTargetBank = flash.BankUnknown
	})
}

// TriggerRollback is the composite operation: verify
// the opposite bank is valid, mark the current active bank invalid (its
// boot count pinned to MaxBootAttempts), switch active to the opposite
// bank, reset that bank's boot count, and record that a rollback
// happened. Fails with ErrOppositeInvalid (no write performed) if the
// opposite bank is not valid.
func (s *Store) TriggerRollback() error {
	cur := s.Read()
	opposite := cur.ActiveBank.Opposite()
	if !cur.Banks[opposite].Valid {
		return ErrOppositeInvalid
	}

	return s.Mutate(func(r *Record) {
		failing := r.ActiveBank
		target := failing.Opposite()

		fbm := r.Banks[failing]
		fbm.Valid = false
		fbm.BootCount = MaxBootAttempts
		r.Banks[failing] = fbm

		tbm := r.Banks[target]
		tbm.BootCount = 0
		r.Banks[target] = tbm

		r.ActiveBank = target
		r.RollbackOccurred = true
		r.RollbackCount++
	})
}

// ClearRollbackFlag resets the one-shot "a rollback just happened"
// notice, typically after the UI has surfaced it once.
func (s *Store) ClearRollbackFlag() error {
	return s.Mutate(func(r *Record) {
		r.RollbackOccurred = false
	})
}
