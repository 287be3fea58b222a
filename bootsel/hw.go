//go:build tinygo

package bootsel

/*
#include <stdint.h>

#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))
#define ROM_FUNC_REBOOT ROM_TABLE_CODE('R', 'B')

#define BOOTROM_FUNC_TABLE_OFFSET   0x14
#define BOOTROM_WELL_KNOWN_PTR_SIZE 2
#define BOOTROM_TABLE_LOOKUP_OFFSET (BOOTROM_FUNC_TABLE_OFFSET + BOOTROM_WELL_KNOWN_PTR_SIZE)
#define RT_FLAG_FUNC_ARM_SEC 0x0004

#define REBOOT2_FLAG_REBOOT_TYPE_FLASH_UPDATE 0x4
#define REBOOT2_FLAG_NO_RETURN_ON_SUCCESS     0x100
#define XIP_BASE 0x10000000

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);
typedef int (*rom_reboot_fn)(uint32_t flags, uint32_t delay_ms, uint32_t p0, uint32_t p1);

static void *rom_func_lookup_inline(uint32_t code) {
	rom_table_lookup_fn rom_table_lookup =
		(rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
	return rom_table_lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

static int bootsel_jump_xip(uint32_t xip_addr) {
	rom_reboot_fn reboot = (rom_reboot_fn)rom_func_lookup_inline(ROM_FUNC_REBOOT);
	return reboot(REBOOT2_FLAG_REBOOT_TYPE_FLASH_UPDATE|REBOOT2_FLAG_NO_RETURN_ON_SUCCESS, 0, xip_addr, 0);
}
*/
import "C"

import (
	"machine"
	"time"

	"openenterprise/bindicator/flash"
)

// hwHalter drives a fast, unmistakable LED blink pattern on the onboard
// LED and spins forever; it is the last thing the firmware ever does on
// a boot with no valid image.
type hwHalter struct{}

// NewHalter returns the production hard-fault indicator.
func NewHalter() Halter { return hwHalter{} }

func (hwHalter) Halt(reason string) {
	_ = reason
	led := machine.LED
	led.Configure(machine.PinConfig{Mode: machine.PinOutput})
	for {
		for i := 0; i < 5; i++ {
			led.High()
			time.Sleep(80 * time.Millisecond)
			led.Low()
			time.Sleep(80 * time.Millisecond)
		}
		time.Sleep(800 * time.Millisecond)
	}
}

// hwJumper asks the RP2350 bootrom to reboot straight into the XIP
// address of the chosen bank via the flash_update reboot type.
type hwJumper struct{}

// NewJumper returns the production bank-transfer implementation.
func NewJumper() Jumper { return hwJumper{} }

func (hwJumper) Jump(bank flash.FirmwareBank) {
	xip := uint32(0x10000000) + flash.BankOffset(bank)
	C.bootsel_jump_xip(C.uint32_t(xip))
}
