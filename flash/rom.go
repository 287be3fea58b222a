//go:build tinygo

package flash

/*
#include <stdint.h>
#include <stddef.h>

// ROM table code macro - creates 16-bit code from two characters, and the
// bootrom function lookup sequence, adapted from TinyGo's
// machine_rp2350_rom.go (and this project's own earlier ota package).
#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))

#define BOOTROM_FUNC_TABLE_OFFSET   0x14
#define BOOTROM_WELL_KNOWN_PTR_SIZE 2
#define BOOTROM_TABLE_LOOKUP_OFFSET (BOOTROM_FUNC_TABLE_OFFSET + BOOTROM_WELL_KNOWN_PTR_SIZE)

#define RT_FLAG_FUNC_ARM_SEC 0x0004

#define ROM_FUNC_CONNECT_INTERNAL_FLASH ROM_TABLE_CODE('I', 'F')
#define ROM_FUNC_FLASH_EXIT_XIP         ROM_TABLE_CODE('E', 'X')
#define ROM_FUNC_FLASH_RANGE_ERASE      ROM_TABLE_CODE('R', 'E')
#define ROM_FUNC_FLASH_RANGE_PROGRAM    ROM_TABLE_CODE('R', 'P')
#define ROM_FUNC_FLASH_FLUSH_CACHE      ROM_TABLE_CODE('F', 'C')

#define FLASH_SECTOR_ERASE_CMD 0x20

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);
typedef void (*flash_connect_internal_fn)(void);
typedef void (*flash_exit_xip_fn)(void);
typedef void (*flash_range_erase_fn)(uint32_t addr, size_t count, uint32_t block_size, uint8_t block_cmd);
typedef void (*flash_range_program_fn)(uint32_t addr, const uint8_t *data, size_t count);
typedef void (*flash_flush_cache_fn)(void);

static void *rom_func_lookup_inline(uint32_t code) {
    rom_table_lookup_fn rom_table_lookup =
        (rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
    return rom_table_lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

// flash_sector_erase erases one SECTOR_SIZE-byte sector at the given raw
// flash offset, masking interrupts on this core for the duration.
static void flash_sector_erase(uint32_t offset, uint32_t sector_size) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_erase_fn erase = (flash_range_erase_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_ERASE);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !erase || !flush) return;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");

    connect();
    exit_xip();
    erase(offset, sector_size, sector_size, FLASH_SECTOR_ERASE_CMD);
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (status));
}

// flash_page_program programs one PAGE_SIZE-byte page at the given raw
// flash offset, masking interrupts on this core for the duration.
static void flash_page_program(uint32_t offset, const uint8_t *data, uint32_t page_size) {
    flash_connect_internal_fn connect = (flash_connect_internal_fn)rom_func_lookup_inline(ROM_FUNC_CONNECT_INTERNAL_FLASH);
    flash_exit_xip_fn exit_xip = (flash_exit_xip_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_EXIT_XIP);
    flash_range_program_fn program = (flash_range_program_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_RANGE_PROGRAM);
    flash_flush_cache_fn flush = (flash_flush_cache_fn)rom_func_lookup_inline(ROM_FUNC_FLASH_FLUSH_CACHE);
    if (!connect || !exit_xip || !program || !flush) return;

    uint32_t status;
    __asm__ volatile ("mrs %0, primask" : "=r" (status));
    __asm__ volatile ("cpsid i");

    connect();
    exit_xip();
    program(offset, data, page_size);
    flush();

    __asm__ volatile ("msr primask, %0" : : "r" (status));
}

// watchdog_feed pokes the RP2350 watchdog load register to reset its
// countdown, the same register this project's earlier ota package wrote
// directly for its reboot path.
#define WATCHDOG_BASE 0x400d8000
#define WATCHDOG_LOAD (WATCHDOG_BASE + 0x04)

static void watchdog_feed(void) {
    *(volatile uint32_t*)WATCHDOG_LOAD = 0x7fffff;
}
*/
import "C"

import (
	"unsafe"
)

// xipBase is the address at which flash offset 0 appears in the
// execute-in-place window.
const xipBase = 0x10000000

// romDevice implements Device via direct ROM-function calls, the same
// bootrom lookup technique used for RP2350 partition management,
// generalized here to this package's flash layout and operation set.
type romDevice struct {
	watchdog Pacer
}

// NewDevice returns the hardware-backed Device for this target. watchdog
// may be nil; EraseRegion and Write feed it at their pacing cadence, and
// CalculateCRC32 feeds it only when the caller passes no Pacer of its
// own (a caller-supplied Pacer is fed instead).
func NewDevice(watchdog Pacer) Device {
	return &romDevice{watchdog: pacerOrNop(watchdog)}
}

func (d *romDevice) EraseRegion(offset, size uint32) error {
	if err := checkEraseParams(offset, size); err != nil {
		return err
	}
	const feedEverySectors = 10
	sinceFeed := 0
	for off := offset; off < offset+size; off += SectorSize {
		C.flash_sector_erase(C.uint32_t(off), C.uint32_t(SectorSize))
		sinceFeed++
		if sinceFeed >= feedEverySectors {
			d.watchdog.Feed()
			sinceFeed = 0
		}
	}
	d.watchdog.Feed()
	return nil
}

func (d *romDevice) Write(offset uint32, data []byte) error {
	if err := checkWriteParams(offset, len(data)); err != nil {
		return err
	}
	const feedEveryPages = 16
	sinceFeed := 0
	for pageStart := 0; pageStart < len(data); pageStart += int(PageSize) {
		page := data[pageStart : pageStart+int(PageSize)]
		C.flash_page_program(
			C.uint32_t(offset+uint32(pageStart)),
			(*C.uint8_t)(&page[0]),
			C.uint32_t(PageSize),
		)
		sinceFeed++
		if sinceFeed >= feedEveryPages {
			d.watchdog.Feed()
			sinceFeed = 0
		}
	}
	d.watchdog.Feed()
	return nil
}

func (d *romDevice) WriteAndVerify(offset uint32, data []byte) error {
	if err := d.Write(offset, data); err != nil {
		return err
	}
	return d.Verify(offset, data)
}

// Read copies directly out of the XIP address window; no alignment is
// required for a read.
func (d *romDevice) Read(offset uint32, buf []byte) error {
	if offset+uint32(len(buf)) > TotalFlashSize {
		return ErrOutOfRange
	}
	src := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(xipBase+offset))), len(buf))
	copy(buf, src)
	return nil
}

func (d *romDevice) Verify(offset uint32, expected []byte) error {
	got := make([]byte, len(expected))
	if err := d.Read(offset, got); err != nil {
		return err
	}
	for i := range expected {
		if got[i] != expected[i] {
			return ErrVerifyFailed
		}
	}
	return nil
}

func (d *romDevice) CalculateCRC32(offset, length uint32, pacer Pacer) (uint32, error) {
	if pacer == nil {
		pacer = d.watchdog
	}
	return crc32Stream(d.Read, offset, length, pacer)
}

func (d *romDevice) ValidateFirmware(bank FirmwareBank, expectedCRC uint32, expectedSize uint32) error {
	if expectedSize > BankSize {
		return ErrInvalidParam
	}
	got, err := d.CalculateCRC32(BankOffset(bank), expectedSize, d.watchdog)
	if err != nil {
		return err
	}
	if got != expectedCRC {
		return ErrCrcMismatch
	}
	return nil
}

func (d *romDevice) EraseBank(bank FirmwareBank) error {
	return d.EraseRegion(BankOffset(bank), BankSize)
}

func (d *romDevice) EraseMetadataSector(sector int) error {
	if err := checkMetadataSector(sector); err != nil {
		return err
	}
	C.flash_sector_erase(C.uint32_t(MetadataSectorOffset(sector)), C.uint32_t(SectorSize))
	d.watchdog.Feed()
	return nil
}

// hardwarePacer feeds the RP2350 watchdog register directly, the way this
// project has always fed it (no tinygo machine.Watchdog dependency).
type hardwarePacer struct{}

// NewWatchdogPacer returns a Pacer that strobes the hardware watchdog.
func NewWatchdogPacer() Pacer { return hardwarePacer{} }

func (hardwarePacer) Feed() { C.watchdog_feed() }
