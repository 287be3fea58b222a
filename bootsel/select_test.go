package bootsel

import (
	"testing"

	"openenterprise/bindicator/flash"
	"openenterprise/bindicator/metadata"
)

func newTestSelector(t *testing.T) (*Selector, *flash.SimDevice, *metadata.Store, *RecordingHalter, *RecordingJumper) {
	t.Helper()
	dev := flash.NewSimDevice()
	store, err := metadata.NewStore(dev, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	halt := NewHalter()
	jump := NewJumper()
	return NewSelector(store, dev, halt, jump, nil), dev, store, halt, jump
}

// writeValidImage programs bank with deterministic bytes and marks it
// valid in metadata with the matching CRC32/size.
func writeValidImage(t *testing.T, dev *flash.SimDevice, store *metadata.Store, bank flash.FirmwareBank, size int) {
	t.Helper()
	img := make([]byte, size)
	for i := range img {
		img[i] = byte(i * 3)
	}
	if err := dev.EraseBank(bank); err != nil {
		t.Fatalf("EraseBank: %v", err)
	}
	if err := dev.Write(flash.BankOffset(bank), flash.PadToPage(img)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	crc, err := dev.CalculateCRC32(flash.BankOffset(bank), uint32(size), nil)
	if err != nil {
		t.Fatalf("CalculateCRC32: %v", err)
	}
	if err := store.MarkBankValid(bank, crc, uint32(size), "v1"); err != nil {
		t.Fatalf("MarkBankValid: %v", err)
	}
}

func TestSelect_HappyPath(t *testing.T) {
	sel, dev, store, halt, jump := newTestSelector(t)
	writeValidImage(t, dev, store, flash.BankA, 4096)

	if err := sel.Select(); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if halt.Halted {
		t.Fatalf("halted unexpectedly: %v", halt.Reasons)
	}
	if !jump.Jumped || jump.Bank != flash.BankA {
		t.Fatalf("jump = %v/%v, want true/A", jump.Jumped, jump.Bank)
	}
	if store.Read().Banks[flash.BankA].BootCount != 1 {
		t.Errorf("boot count = %d, want 1", store.Read().Banks[flash.BankA].BootCount)
	}
}

func TestSelect_ActiveInvalid_FallsBackToOpposite(t *testing.T) {
	sel, dev, store, _, jump := newTestSelector(t)
	writeValidImage(t, dev, store, flash.BankB, 4096)
	if err := store.MarkBankInvalid(flash.BankA); err != nil {
		t.Fatalf("MarkBankInvalid: %v", err)
	}

	if err := sel.Select(); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if jump.Bank != flash.BankB {
		t.Fatalf("jumped to %v, want B", jump.Bank)
	}
}

func TestSelect_BootBudgetExhausted_RollsBack(t *testing.T) {
	sel, dev, store, halt, jump := newTestSelector(t)
	writeValidImage(t, dev, store, flash.BankA, 4096)
	writeValidImage(t, dev, store, flash.BankB, 4096)
	if err := store.SetActiveBank(flash.BankA); err != nil {
		t.Fatalf("SetActiveBank: %v", err)
	}
	for i := uint8(0); i < metadata.MaxBootAttempts; i++ {
		if err := store.IncrementBootCount(flash.BankA); err != nil {
			t.Fatalf("IncrementBootCount: %v", err)
		}
	}

	if err := sel.Select(); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if halt.Halted {
		t.Fatalf("halted unexpectedly: %v", halt.Reasons)
	}
	if jump.Bank != flash.BankB {
		t.Fatalf("jumped to %v, want B after rollback", jump.Bank)
	}
	rec := store.Read()
	if rec.ActiveBank != flash.BankB {
		t.Errorf("active bank = %v, want B", rec.ActiveBank)
	}
	if rec.Banks[flash.BankA].Valid {
		t.Errorf("bank A should be invalid after rollback")
	}
}

func TestSelect_BudgetExhaustedNoFallback_Halts(t *testing.T) {
	sel, dev, store, halt, jump := newTestSelector(t)
	writeValidImage(t, dev, store, flash.BankA, 4096)
	for i := uint8(0); i < metadata.MaxBootAttempts; i++ {
		if err := store.IncrementBootCount(flash.BankA); err != nil {
			t.Fatalf("IncrementBootCount: %v", err)
		}
	}

	err := sel.Select()
	if err == nil {
		t.Fatalf("expected halt error")
	}
	if !halt.Halted {
		t.Fatalf("expected Halt to be called")
	}
	if jump.Jumped {
		t.Fatalf("should not have jumped")
	}
}

func TestSelect_CRCMismatch_TreatedAsInvalid(t *testing.T) {
	sel, dev, store, halt, jump := newTestSelector(t)
	writeValidImage(t, dev, store, flash.BankA, 4096)
	writeValidImage(t, dev, store, flash.BankB, 4096)
	// Corrupt bank A's flash contents after metadata was stamped valid.
	dev.CorruptByte(flash.BankOffset(flash.BankA), 0xAB)

	if err := sel.Select(); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if halt.Halted {
		t.Fatalf("halted unexpectedly: %v", halt.Reasons)
	}
	if jump.Bank != flash.BankB {
		t.Fatalf("jumped to %v, want B after CRC-triggered rollback", jump.Bank)
	}
	if store.Read().Banks[flash.BankA].Valid {
		t.Errorf("bank A should have been marked invalid after CRC mismatch")
	}
}
