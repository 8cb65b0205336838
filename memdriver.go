package n2fs

// MemDriver is an in-RAM Driver implementation used as the test fixture
// for this package, analogous to the `test/assets/test.exfat` image
// fixture the teacher reads from disk. It enforces the same one-
// directional bit semantics real NOR flash has: Prog may only turn 1
// bits into 0 bits, and Erase resets a sector back to all-0xff.
type MemDriver struct {
	sectorSize uint32
	sectors    [][]byte

	// ProgCount/EraseCount/ReadCount are exposed for tests asserting on
	// wear-leveling and GC behavior (spec §8 S5/S6).
	ProgCount   int
	EraseCount  int
	ReadCount   int
	EraseLog    []uint32
	failSectors map[uint32]error
}

// NewMemDriver allocates a sectorCount*sectorSize byte flash image,
// erased (all 0xff).
func NewMemDriver(sectorCount, sectorSize uint32) *MemDriver {
	md := &MemDriver{
		sectorSize:  sectorSize,
		sectors:     make([][]byte, sectorCount),
		failSectors: make(map[uint32]error),
	}

	for i := range md.sectors {
		buf := make([]byte, sectorSize)
		for j := range buf {
			buf[j] = 0xff
		}
		md.sectors[i] = buf
	}

	return md
}

// FailSector makes every subsequent Read/Prog/Erase against the given
// sector return err, simulating a bad block for crash-injection tests.
func (md *MemDriver) FailSector(sector uint32, err error) {
	md.failSectors[sector] = err
}

func (md *MemDriver) Read(sector uint32, off uint32, buf []byte) error {
	md.ReadCount++

	if err, bad := md.failSectors[sector]; bad {
		return err
	}

	copy(buf, md.sectors[sector][off:off+uint32(len(buf))])
	return nil
}

func (md *MemDriver) Prog(sector uint32, off uint32, buf []byte) error {
	md.ProgCount++

	if err, bad := md.failSectors[sector]; bad {
		return err
	}

	dst := md.sectors[sector][off : off+uint32(len(buf))]
	for i, b := range buf {
		// Only 1->0 transitions are physically possible; programming a
		// 1 bit where flash already holds a 0 must not happen either,
		// but silently ANDing matches what real NOR hardware does.
		dst[i] &= b
	}

	return nil
}

func (md *MemDriver) Erase(sector uint32) error {
	md.EraseCount++
	md.EraseLog = append(md.EraseLog, sector)

	if err, bad := md.failSectors[sector]; bad {
		return err
	}

	buf := md.sectors[sector]
	for i := range buf {
		buf[i] = 0xff
	}

	return nil
}

func (md *MemDriver) Sync() error { return nil }
