package n2fs

// Shared bit-level helpers for the region free/erase maps (space.go) and
// the id free/removed maps (idmap.go). Bits are stored MSB-first within
// each byte, matching how the original packs N2FS_map_ram_t.buffer.

func bitBytes(nbits uint32) uint32 {
	return (nbits + 7) / 8
}

func testBit(buf []byte, i uint32) bool {
	return buf[i/8]&(0x80>>(i%8)) != 0
}

func clearBit(buf []byte, i uint32) {
	buf[i/8] &^= 0x80 >> (i % 8)
}

func setBit(buf []byte, i uint32) {
	buf[i/8] |= 0x80 >> (i % 8)
}

// findFreeRun scans buf (nbits valid bits) for the first run of count
// consecutive 1-bits, starting the scan at "from" and wrapping around
// once. Runs may span byte boundaries; this is a bit-by-bit scan since
// NOR bitmaps are small (one region's worth at a time).
func findFreeRun(buf []byte, nbits, from, count uint32) (uint32, bool) {
	if count == 0 || count > nbits {
		return 0, false
	}

	n := uint32(0)

	for tries := uint32(0); tries < nbits; tries++ {
		i := (from + tries) % nbits

		if !testBit(buf, i) {
			n = 0
			continue
		}

		n++
		if n == count {
			return i - count + 1, true
		}
	}

	return 0, false
}

// countFree returns the number of 1-bits in buf across nbits bits.
func countFree(buf []byte, nbits uint32) uint32 {
	var n uint32
	for i := uint32(0); i < nbits; i++ {
		if testBit(buf, i) {
			n++
		}
	}
	return n
}

// xnorMerge computes dst = NOT(freeBuf XOR markBuf) bit-by-bit across
// nbits bits (spec §4.3: "bits that are free now = bits that were free
// AND not marked for erase"). markBuf is 1 where a bit has NOT been
// marked reclaimable (still in use, or genuinely pristine-free) and 0
// where it has been marked (emap_set / id-release clear it). The XNOR
// folds (free=0,mark=0) — used-and-now-reclaimable — back to free=1,
// while (free=1,mark=1) pristine-free and (free=0,mark=1) still-in-use
// both correctly stay put.
func xnorMerge(dst, freeBuf, markBuf []byte, nbits uint32) {
	for i := uint32(0); i < bitBytes(nbits); i++ {
		dst[i] = ^(freeBuf[i] ^ markBuf[i])
	}
}
