//go:build !tinygo

package flash

import (
	"bytes"
	"fmt"
)

// SimDevice is an in-memory NOR flash emulator: Device backed by a byte
// slice that starts all-0xFF (erased) and only ever flips bits 1->0 on
// program, matching real NOR semantics closely enough to exercise the
// metadata store's and firmware manager's invariants on the host Go
// toolchain.
type SimDevice struct {
	mem []byte

	// Fault injection: when armed, the Nth remaining low-level mutation
	// (erase of one sector, or program of one page) aborts partway
	// through, simulating a power loss mid-operation.
	abortAfter int
	aborted    bool
}

// NewSimDevice returns a SimDevice with all of flash erased (0xFF).
func NewSimDevice() *SimDevice {
	mem := make([]byte, TotalFlashSize)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &SimDevice{mem: mem, abortAfter: -1}
}

// ArmPowerLoss schedules a simulated power loss after n more low-level
// mutations (sector erases or page programs). A power loss aborts the
// in-progress mutation partway through and causes every later erase or
// program to return ErrTimeout, mimicking a device that has gone dark;
// reads still return the flash contents as the abort left them.
func (d *SimDevice) ArmPowerLoss(n int) {
	d.abortAfter = n
	d.aborted = false
}

// Aborted reports whether a simulated power loss has fired.
func (d *SimDevice) Aborted() bool { return d.aborted }

// tick consumes one unit of the armed power-loss budget; returns true if
// this call is the one that should fail partway through.
func (d *SimDevice) tick() bool {
	if d.aborted {
		return true
	}
	if d.abortAfter < 0 {
		return false
	}
	if d.abortAfter == 0 {
		d.aborted = true
		return true
	}
	d.abortAfter--
	return false
}

func (d *SimDevice) EraseRegion(offset, size uint32) error {
	if err := checkEraseParams(offset, size); err != nil {
		return err
	}
	for off := offset; off < offset+size; off += SectorSize {
		if d.tick() {
			// Power loss mid-erase: leave the sector partially (here,
			// fully, since a real erase is a single bulk operation at
			// sector granularity) erased and stop.
			for i := off; i < off+SectorSize && i < uint32(len(d.mem)); i++ {
				d.mem[i] = 0xFF
			}
			return ErrTimeout
		}
		for i := off; i < off+SectorSize; i++ {
			d.mem[i] = 0xFF
		}
	}
	return nil
}

func (d *SimDevice) Write(offset uint32, data []byte) error {
	if err := checkWriteParams(offset, len(data)); err != nil {
		return err
	}
	for pageStart := 0; pageStart < len(data); pageStart += int(PageSize) {
		if d.tick() {
			return ErrTimeout
		}
		page := data[pageStart : pageStart+int(PageSize)]
		base := offset + uint32(pageStart)
		for i, b := range page {
			// NOR program can only flip 1->0 bits.
			d.mem[base+uint32(i)] &= b
		}
	}
	return nil
}

func (d *SimDevice) WriteAndVerify(offset uint32, data []byte) error {
	if err := d.Write(offset, data); err != nil {
		return err
	}
	return d.Verify(offset, data)
}

func (d *SimDevice) Read(offset uint32, buf []byte) error {
	if offset+uint32(len(buf)) > uint32(len(d.mem)) {
		return ErrOutOfRange
	}
	copy(buf, d.mem[offset:offset+uint32(len(buf))])
	return nil
}

func (d *SimDevice) Verify(offset uint32, expected []byte) error {
	got := make([]byte, len(expected))
	if err := d.Read(offset, got); err != nil {
		return err
	}
	if !bytes.Equal(got, expected) {
		return ErrVerifyFailed
	}
	return nil
}

func (d *SimDevice) CalculateCRC32(offset, length uint32, pacer Pacer) (uint32, error) {
	return crc32Stream(d.Read, offset, length, pacer)
}

func (d *SimDevice) ValidateFirmware(bank FirmwareBank, expectedCRC uint32, expectedSize uint32) error {
	if expectedSize > BankSize {
		return ErrInvalidParam
	}
	got, err := d.CalculateCRC32(BankOffset(bank), expectedSize, nil)
	if err != nil {
		return err
	}
	if got != expectedCRC {
		return ErrCrcMismatch
	}
	return nil
}

func (d *SimDevice) EraseBank(bank FirmwareBank) error {
	return d.EraseRegion(BankOffset(bank), BankSize)
}

func (d *SimDevice) EraseMetadataSector(sector int) error {
	if err := checkMetadataSector(sector); err != nil {
		return err
	}
	offset := MetadataSectorOffset(sector)
	if d.tick() {
		for i := offset; i < offset+SectorSize && i < uint32(len(d.mem)); i++ {
			d.mem[i] = 0xFF
		}
		return ErrTimeout
	}
	for i := offset; i < offset+SectorSize; i++ {
		d.mem[i] = 0xFF
	}
	return nil
}

// CorruptByte flips bits at an arbitrary flash offset, for fault-injection
// tests that corrupt a metadata sector directly rather than through the
// Device interface.
func (d *SimDevice) CorruptByte(offset uint32, value byte) {
	if offset < uint32(len(d.mem)) {
		d.mem[offset] = value
	}
}

// Dump returns a human-readable description of a flash region, useful in
// test failure messages.
func (d *SimDevice) Dump(offset, length uint32) string {
	return fmt.Sprintf("% x", d.mem[offset:offset+length])
}
