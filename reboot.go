//go:build tinygo

package main

/*
#include <stdint.h>

#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))
#define ROM_FUNC_REBOOT ROM_TABLE_CODE('R', 'B')

#define BOOTROM_FUNC_TABLE_OFFSET   0x14
#define BOOTROM_WELL_KNOWN_PTR_SIZE 2
#define BOOTROM_TABLE_LOOKUP_OFFSET (BOOTROM_FUNC_TABLE_OFFSET + BOOTROM_WELL_KNOWN_PTR_SIZE)
#define RT_FLAG_FUNC_ARM_SEC 0x0004

#define REBOOT2_FLAG_REBOOT_TYPE_NORMAL       0x2
#define REBOOT2_FLAG_NO_RETURN_ON_SUCCESS     0x100

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);
typedef int (*rom_reboot_fn)(uint32_t flags, uint32_t delay_ms, uint32_t p0, uint32_t p1);

static void *rom_func_lookup_inline(uint32_t code) {
	rom_table_lookup_fn rom_table_lookup =
		(rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
	return rom_table_lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

static void ota_core_reboot_normal(void) {
	rom_reboot_fn reboot = (rom_reboot_fn)rom_func_lookup_inline(ROM_FUNC_REBOOT);
	reboot(REBOOT2_FLAG_REBOOT_TYPE_NORMAL|REBOOT2_FLAG_NO_RETURN_ON_SUCCESS, 0, 0, 0);
}
*/
import "C"

// romRebooter asks the bootrom for a full system reset, leaving
// bootsel's second-stage selector to read the metadata manager.go just
// wrote and pick the newly activated (or rolled-back) bank.
type romRebooter struct{}

func (romRebooter) Reboot() {
	C.ota_core_reboot_normal()
}
