package main

import (
	"encoding/binary"
	"fmt"
)

// UF2 block layout (512 bytes each):
//
//	0-3    magic0
//	4-7    magic1
//	8-11   flags
//	12-15  target address
//	16-19  payload size
//	20-23  block number
//	24-27  block count
//	28-31  file size or family ID
//	32-507 payload
//	508-511 magicEnd
const (
	uf2BlockSize   = 512
	uf2MaxPayload  = 476
	uf2Magic0      = 0x0A324655
	uf2Magic1      = 0x9E5D5157
	uf2MagicEnd    = 0x0AB16F30
	uf2FlagFamily  = 0x00002000
	uf2MaxExtracted = 4 * 1024 * 1024
)

// extractFlatBinary walks every block in a UF2 container and reassembles
// the contiguous flat binary it describes, the image shape the manager's
// StartUpdate/WriteChunk/FinalizeUpdate sequence actually consumes.
func extractFlatBinary(uf2 []byte) ([]byte, error) {
	if len(uf2) < uf2BlockSize || len(uf2)%uf2BlockSize != 0 {
		return nil, fmt.Errorf("not a UF2 file: size %d is not a nonzero multiple of %d", len(uf2), uf2BlockSize)
	}
	blocks := len(uf2) / uf2BlockSize

	var lo, hi uint32 = 0xFFFFFFFF, 0
	for i := 0; i < blocks; i++ {
		b := uf2[i*uf2BlockSize : (i+1)*uf2BlockSize]
		if err := checkUF2Magic(b, i); err != nil {
			return nil, err
		}
		addr := binary.LittleEndian.Uint32(b[12:16])
		size := binary.LittleEndian.Uint32(b[16:20])
		if addr < lo {
			lo = addr
		}
		if addr+size > hi {
			hi = addr + size
		}
	}

	span := hi - lo
	if span > uf2MaxExtracted {
		return nil, fmt.Errorf("extracted image too large: %d bytes", span)
	}
	out := make([]byte, span)
	for i := 0; i < blocks; i++ {
		b := uf2[i*uf2BlockSize : (i+1)*uf2BlockSize]
		addr := binary.LittleEndian.Uint32(b[12:16])
		size := binary.LittleEndian.Uint32(b[16:20])
		if size > uf2MaxPayload {
			size = uf2MaxPayload
		}
		off := addr - lo
		copy(out[off:off+size], b[32:32+size])
	}
	return out, nil
}

func checkUF2Magic(block []byte, index int) error {
	m0 := binary.LittleEndian.Uint32(block[0:4])
	m1 := binary.LittleEndian.Uint32(block[4:8])
	mEnd := binary.LittleEndian.Uint32(block[508:512])
	if m0 != uf2Magic0 || m1 != uf2Magic1 || mEnd != uf2MagicEnd {
		return fmt.Errorf("block %d: bad UF2 magic", index)
	}
	return nil
}

// describeFirstBlock prints the metadata carried by a UF2 file's first
// block, for the "ota-file" offline-inspection command.
func describeFirstBlock(path string, fileSize int64, block []byte) error {
	if err := checkUF2Magic(block, 0); err != nil {
		return err
	}
	flags := binary.LittleEndian.Uint32(block[8:12])
	addr := binary.LittleEndian.Uint32(block[12:16])
	payload := binary.LittleEndian.Uint32(block[16:20])
	total := binary.LittleEndian.Uint32(block[24:28])
	family := binary.LittleEndian.Uint32(block[28:32])

	fmt.Printf("UF2 file: %s\n", path)
	fmt.Printf("  file size:       %d bytes (%d KB)\n", fileSize, fileSize/1024)
	fmt.Printf("  blocks:          %d\n", total)
	fmt.Printf("  target address:  0x%08x\n", addr)
	fmt.Printf("  payload/block:   %d bytes\n", payload)
	fmt.Printf("  flags:           0x%08x\n", flags)
	if flags&uf2FlagFamily != 0 {
		fmt.Printf("  family ID:       0x%08x (%s)\n", family, familyName(family))
	}
	estimate := uint64(total) * uint64(payload)
	fmt.Printf("  estimated image: ~%d bytes (%d KB)\n", estimate, estimate/1024)
	return nil
}

func familyName(id uint32) string {
	switch id {
	case 0xe48bff56:
		return "RP2040"
	case 0xe48bff57:
		return "RP2350 ARM-S"
	case 0xe48bff58:
		return "RP2350 ARM-NS"
	case 0xe48bff59:
		return "RP2350 RISC-V"
	default:
		return "unknown"
	}
}
