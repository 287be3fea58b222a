package metadata

import (
	"testing"

	"openenterprise/bindicator/flash"
)

func TestRecordRoundTrip(t *testing.T) {
	r := DefaultRecord()
	r.Sequence = 7
	r.Banks[flash.BankA] = BankMeta{CRC32: 0xDEADBEEF, Size: 400000, BootCount: 1, Valid: true}
	r.Banks[flash.BankA].SetVersionString("v2")
	r.RollbackCount = 3
	r.RollbackOccurred = true
	r.UpdateInProgress = true
	r.UpdateTargetBank = flash.BankB

	sector, err := r.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(sector) != int(flash.MetadataSectorSize) {
		t.Fatalf("sector length = %d, want %d", len(sector), flash.MetadataSectorSize)
	}

	var got Record
	if err := got.UnmarshalBinary(sector); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if err := got.Validate(); err != nil {
		t.Fatalf("round-tripped record failed validation: %v", err)
	}
	if got.Sequence != r.Sequence {
		t.Errorf("sequence = %d, want %d", got.Sequence, r.Sequence)
	}
	if got.Banks[flash.BankA].CRC32 != 0xDEADBEEF {
		t.Errorf("bank A crc32 = %#x, want 0xDEADBEEF", got.Banks[flash.BankA].CRC32)
	}
	if got.Banks[flash.BankA].VersionStringValue() != "v2" {
		t.Errorf("bank A version = %q, want v2", got.Banks[flash.BankA].VersionStringValue())
	}
	if !got.RollbackOccurred || got.RollbackCount != 3 {
		t.Errorf("rollback fields not round-tripped: occurred=%v count=%d", got.RollbackOccurred, got.RollbackCount)
	}
	if !got.UpdateInProgress || got.UpdateTargetBank != flash.BankB {
		t.Errorf("update-in-progress fields not round-tripped")
	}
}

func TestRecordValidate_BadMagic(t *testing.T) {
	r := DefaultRecord()
	r.Sequence = 1
	sector, _ := r.MarshalBinary()
	sector[0] ^= 0xFF // corrupt magic's first byte

	var got Record
	if err := got.UnmarshalBinary(sector); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := got.Validate(); err != ErrBadMagic {
		t.Errorf("Validate() = %v, want ErrBadMagic", err)
	}
}

func TestRecordValidate_BadCRC(t *testing.T) {
	r := DefaultRecord()
	r.Sequence = 1
	sector, _ := r.MarshalBinary()
	sector[recordLen-1] ^= 0xFF // corrupt last byte of the crc32 field

	var got Record
	if err := got.UnmarshalBinary(sector); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := got.Validate(); err != ErrBadCRC {
		t.Errorf("Validate() = %v, want ErrBadCRC", err)
	}
}

func TestRecordValidate_ErasedSectorIsInvalid(t *testing.T) {
	// An all-0xFF erased sector must fail validation via the magic check,
	// even though its UPDATE_IN_PROGRESS byte would otherwise read as
	// UPDATE_IN_PROGRESS=0xFF "by accident".
	erased := make([]byte, flash.MetadataSectorSize)
	for i := range erased {
		erased[i] = 0xFF
	}
	var got Record
	if err := got.UnmarshalBinary(erased); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := got.Validate(); err != ErrBadMagic {
		t.Errorf("Validate() on erased sector = %v, want ErrBadMagic", err)
	}
}
