package flash

import "hash/crc32"

// Pacer is fed periodically during long-running flash operations so that a
// hardware watchdog does not fire while a task is blocked inside erase or
// program. CalculateCRC32 and EraseRegion/Write feed it every few sectors,
// pages, or kilobytes. A nil Pacer is valid and simply means nothing is fed.
type Pacer interface {
	Feed()
}

// nopPacer feeds nothing; used when callers pass a nil Pacer.
type nopPacer struct{}

func (nopPacer) Feed() {}

func pacerOrNop(p Pacer) Pacer {
	if p == nil {
		return nopPacer{}
	}
	return p
}

// Device is the flash operations contract. Implementations
// must provide sector-erase and page-program granularity, enforce the
// alignment/bounds/protected-region rules, and run each hardware mutation
// with interrupts masked on the executing core.
type Device interface {
	// EraseRegion erases offset..offset+size. Both must be SectorSize
	// aligned; offset must be >= AppRegionStart.
	EraseRegion(offset, size uint32) error

	// Write programs data at offset. offset must be PageSize aligned and
	// len(data) a multiple of PageSize; pad short tails with PadToPage
	// first.
	Write(offset uint32, data []byte) error

	// WriteAndVerify writes data then reads it back and compares.
	WriteAndVerify(offset uint32, data []byte) error

	// Read copies length bytes starting at offset into buf. No alignment
	// requirement.
	Read(offset uint32, buf []byte) error

	// Verify compares length bytes at offset against expected.
	Verify(offset uint32, expected []byte) error

	// CalculateCRC32 streams length bytes from offset through a CRC32
	// (IEEE/ZIP polynomial) context, feeding the pacer periodically.
	CalculateCRC32(offset, length uint32, pacer Pacer) (uint32, error)

	// ValidateFirmware bounds-checks expectedSize against the bank size
	// and compares the bank's computed CRC32 against expectedCRC.
	ValidateFirmware(bank FirmwareBank, expectedCRC uint32, expectedSize uint32) error

	// EraseBank erases an entire application bank.
	EraseBank(bank FirmwareBank) error

	// EraseMetadataSector erases metadata sector 0 or 1. Unlike
	// EraseRegion, it is not guarded by AppRegionStart: both metadata
	// sectors sit below it by design, so the metadata store is the only
	// caller meant to use this.
	EraseMetadataSector(sector int) error
}

// checkMetadataSector rejects any sector index other than 0 or 1.
func checkMetadataSector(sector int) error {
	if sector != 0 && sector != 1 {
		return ErrInvalidParam
	}
	return nil
}

// checkEraseParams validates EraseRegion's parameters: returns
// NotAligned unless both offset and size are sector multiples, OutOfRange
// if the region runs past total flash size or starts below the protected
// application-bank boundary.
func checkEraseParams(offset, size uint32) error {
	if size == 0 {
		return ErrInvalidParam
	}
	if !IsSectorAligned(offset) || !IsSectorAligned(size) {
		return ErrNotAligned
	}
	if offset < AppRegionStart {
		return ErrOutOfRange
	}
	if offset+size > TotalFlashSize {
		return ErrOutOfRange
	}
	return nil
}

// checkWriteParams validates Write/WriteAndVerify's parameters: the offset
// must be page aligned and the length a multiple of PageSize.
func checkWriteParams(offset uint32, length int) error {
	if length == 0 {
		return ErrInvalidParam
	}
	if !IsPageAligned(offset) || length%int(PageSize) != 0 {
		return ErrNotAligned
	}
	if offset+uint32(length) > TotalFlashSize {
		return ErrOutOfRange
	}
	return nil
}

// crc32Stream computes a CRC32 (IEEE/ZIP polynomial 0xEDB88320) over
// length bytes starting at offset, reading through readChunk in 4KiB
// windows and feeding pacer every 16KiB.
func crc32Stream(readChunk func(offset uint32, buf []byte) error, offset, length uint32, pacer Pacer) (uint32, error) {
	pacer = pacerOrNop(pacer)

	const chunkSize = 4096
	const feedEvery = 16 * 1024

	ctx := crc32.NewIEEE()
	buf := make([]byte, chunkSize)

	var read uint32
	sinceFeeed := uint32(0)
	for read < length {
		n := chunkSize
		if remaining := length - read; uint32(n) > remaining {
			n = int(remaining)
		}
		if err := readChunk(offset+read, buf[:n]); err != nil {
			return 0, err
		}
		ctx.Write(buf[:n])
		read += uint32(n)
		sinceFeeed += uint32(n)
		if sinceFeeed >= feedEvery {
			pacer.Feed()
			sinceFeeed = 0
		}
	}
	return ctx.Sum32(), nil
}
