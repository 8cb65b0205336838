package n2fs

// Space manager: region-partitioned free/erase bitmaps, the sector
// allocator, erase-map reclaim bookkeeping, and sector-map-store
// relocation, per spec §4.3. Wear leveling (the region-migration and
// candidate-array side of §4.3) lives in wl.go, which this file defers
// to from loadNextRegion once scanTimes crosses wlStart.

// regionSlot buffers exactly one region's free/erase bitmap pair in
// RAM, mirroring N2FS_map_ram_t. meta and reserve slots are pinned to
// a single region each; dir and bfile slots rotate.
type regionSlot struct {
	kind   RegionType
	region uint32 // unwrittenWord if nothing loaded yet
	free   []byte
	erase  []byte
}

func newRegionSlot(kind RegionType, regionSize uint32) *regionSlot {
	return &regionSlot{
		kind:   kind,
		region: unwrittenWord,
		free:   make([]byte, bitBytes(regionSize)),
		erase:  make([]byte, bitBytes(regionSize)),
	}
}

type spaceManager struct {
	fio *flashIO
	cfg Config

	regionSize  uint32
	regionCount uint32

	smapSector uint32 // beginning sector of the active sector-map store
	smapArea   uint32 // number of sectors the store currently occupies
	scanTimes  uint32

	dirTypeBits   []byte // 1 = region currently typed "dir"
	bfileTypeBits []byte // 1 = region currently typed "big-file"
	reserveRegion uint32

	meta    *regionSlot
	dir     *regionSlot
	bfile   *regionSlot
	reserve *regionSlot

	wl *wearLeveler

	// relocate moves the whole sector-map store to a fresh run of
	// sectors and commits the new address; wired by Format/Mount to
	// (*N2FS).relocateSectorMap, since only the filesystem-level
	// coordinator also owns the superblock commit that must follow.
	relocate func() error
}

func newSpaceManager(fio *flashIO, cfg Config) *spaceManager {
	regionSize := cfg.regionSize()

	sm := &spaceManager{
		fio:           fio,
		cfg:           cfg,
		regionSize:    regionSize,
		regionCount:   cfg.RegionCount,
		dirTypeBits:   make([]byte, bitBytes(cfg.RegionCount)),
		bfileTypeBits: make([]byte, bitBytes(cfg.RegionCount)),
		meta:          newRegionSlot(RegionMeta, regionSize),
		dir:           newRegionSlot(RegionDir, regionSize),
		bfile:         newRegionSlot(RegionBigFile, regionSize),
		reserve:       newRegionSlot(RegionReserved, regionSize),
	}
	sm.wl = newWearLeveler(sm)

	return sm
}

// storeByteOffset is the offset within the (conceptually) concatenated
// sector-map store of region r's [free-bits | erase-bits] pair.
func (sm *spaceManager) storeByteOffset(r uint32) uint32 {
	return r * 2 * bitBytes(sm.regionSize)
}

func (sm *spaceManager) storeTotalBytes() uint32 {
	return sm.storeByteOffset(sm.regionCount)
}

// storeAddr converts a byte offset within the store into a concrete
// (sector, off) pair relative to sm.smapSector.
func (sm *spaceManager) storeAddr(storeOff uint32) (sector, off uint32) {
	sector = sm.smapSector + storeOff/sm.cfg.SectorSize
	off = storeOff % sm.cfg.SectorSize
	return
}

// formatInit lays out regions 0 (meta, pinned) and 1 (dir, pinned at
// format time) and the reserve region, per spec §6's on-flash layout.
func (sm *spaceManager) formatInit(smapSector, smapArea uint32) error {
	sm.smapSector = smapSector
	sm.smapArea = smapArea
	sm.scanTimes = 0
	sm.reserveRegion = sm.regionCount - 1

	for i := range sm.meta.free {
		sm.meta.free[i] = 0xff
	}
	for i := range sm.meta.erase {
		sm.meta.erase[i] = 0xff
	}
	sm.meta.region = 0

	setBit(sm.dirTypeBits, 1)
	sm.dir.region = 1
	for i := range sm.dir.free {
		sm.dir.free[i] = 0xff
	}
	for i := range sm.dir.erase {
		sm.dir.erase[i] = 0xff
	}

	sm.reserve.region = sm.reserveRegion
	for i := range sm.reserve.free {
		sm.reserve.free[i] = 0xff
	}
	for i := range sm.reserve.erase {
		sm.reserve.erase[i] = 0xff
	}

	// region 0 and the reserve region are claimed now; write their
	// initial all-free bitmaps plus region 1's into the store.
	if err := sm.flushSlotAt(sm.meta, 0); err != nil {
		return err
	}
	if err := sm.flushSlotAt(sm.dir, 1); err != nil {
		return err
	}
	return sm.flushSlotAt(sm.reserve, sm.reserveRegion)
}

func (sm *spaceManager) flushSlotAt(slot *regionSlot, region uint32) error {
	freeOff := sm.storeByteOffset(region)
	eraseOff := freeOff + bitBytes(sm.regionSize)

	fs, fo := sm.storeAddr(freeOff)
	if err := sm.fio.cacheProg(slot.free, fs, fo); err != nil {
		return err
	}

	es, eo := sm.storeAddr(eraseOff)
	return sm.fio.cacheProg(slot.erase, es, eo)
}

func (sm *spaceManager) loadSlotFrom(slot *regionSlot, region uint32) error {
	freeOff := sm.storeByteOffset(region)
	eraseOff := freeOff + bitBytes(sm.regionSize)

	fs, fo := sm.storeAddr(freeOff)
	if err := sm.fio.cacheRead(slot.free, fs, fo); err != nil {
		return err
	}

	es, eo := sm.storeAddr(eraseOff)
	if err := sm.fio.cacheRead(slot.erase, es, eo); err != nil {
		return err
	}

	slot.region = region
	return nil
}

func (sm *spaceManager) slotFor(typ SectorType) *regionSlot {
	switch typ {
	case SectorDir:
		return sm.dir
	case SectorBigFile:
		return sm.bfile
	case SectorReserve, SectorWL:
		return sm.reserve
	default:
		return sm.meta
	}
}

// alloc returns a run of count contiguous sectors of the given type,
// per spec §4.3's alloc algorithm. The meta and reserve slots must
// already be loaded (format()/mount() do this once, since both are
// pinned to a fixed region); the dir and bfile slots are lazily loaded
// on first use via loadNextRegion below.
func (sm *spaceManager) alloc(typ SectorType, count uint32) ([]uint32, error) {
	slot := sm.slotFor(typ)

	for tried := uint32(0); tried <= sm.regionCount; tried++ {
		if slot.region != unwrittenWord {
			if idx, ok := findFreeRun(slot.free, sm.regionSize, 0, count); ok {
				for i := uint32(0); i < count; i++ {
					clearBit(slot.free, idx+i)
				}

				if err := sm.flushSlotAt(slot, slot.region); err != nil {
					return nil, err
				}

				sectors := make([]uint32, count)
				base := slot.region*sm.regionSize + idx
				for i := uint32(0); i < count; i++ {
					sectors[i] = base + i
					if err := sm.prepareAllocatedSector(sectors[i], typ); err != nil {
						return nil, err
					}
				}

				return sectors, nil
			}
		}

		if err := sm.loadNextRegion(slot); err != nil {
			return nil, err
		}
	}

	return nil, newErr(KindNoSpace, "no %d-sector run available for type %d", count, typ)
}

// prepareAllocatedSector erases the sector if it still holds residual
// data, then programs a fresh sector header in the using state.
func (sm *spaceManager) prepareAllocatedSector(sector uint32, typ SectorType) error {
	var raw [4]byte
	if err := sm.fio.directRead(raw[:], sector, 0); err != nil {
		return err
	}

	prevHead := beUint32(raw[:])
	eraseCount := uint32(0)

	if !SectorHeadUnwritten(prevHead) && SectorHeadValid(prevHead) {
		eraseCount = SectorHeadEraseCount(prevHead) + 1

		if SectorHeadState(prevHead) != StateFree {
			if err := sm.fio.cfg.Driver.Erase(sector); err != nil {
				return err
			}
			sm.fio.invalidate(sector, 0, sm.cfg.SectorSize)
		}
	}

	head := MakeSectorHead(StateUsing, typ, 0, eraseCount)
	putBeUint32(raw[:], head)

	return sm.fio.directProg(raw[:], sector, 0, false)
}

// loadNextRegion advances slot to the next region of its own type,
// flushing the current one first. Below wlStart this walks the region
// map in order (growing the dir/bfile pool onto an untyped region when
// none of the right type remain); from wlStart onward it draws from the
// wear-leveling candidate arrays instead (spec §4.3).
func (sm *spaceManager) loadNextRegion(slot *regionSlot) error {
	if slot.region != unwrittenWord {
		if err := sm.flushSlotAt(slot, slot.region); err != nil {
			return err
		}
	}

	if sm.scanTimes >= sm.cfg.WLStart && slot.kind != RegionMeta && slot.kind != RegionReserved {
		if err := sm.wl.maybeMigrate(slot.kind); err != nil {
			return err
		}

		region, ok := sm.wl.nextCandidate(slot.kind)
		if ok {
			return sm.loadSlotFrom(slot, region)
		}
	}

	start := uint32(0)
	if slot.region != unwrittenWord {
		start = slot.region + 1
	}

	for i := uint32(0); i < sm.regionCount; i++ {
		r := (start + i) % sm.regionCount
		if sm.regionMatchesType(r, slot.kind) {
			if r == slot.region {
				// wrapped all the way around without finding a new
				// region of this type; fall through to growth below.
				break
			}
			return sm.loadSlotFrom(slot, r)
		}
	}

	// No existing region of this type had space; claim an untyped one.
	for r := uint32(0); r < sm.regionCount; r++ {
		if sm.regionIsUnassigned(r) {
			sm.assignRegionType(r, slot.kind)
			for i := range slot.free {
				slot.free[i] = 0xff
			}
			for i := range slot.erase {
				slot.erase[i] = 0xff
			}
			slot.region = r
			return sm.flushSlotAt(slot, r)
		}
	}

	sm.scanTimes++
	return sm.relocateSectorMapStore()
}

func (sm *spaceManager) regionMatchesType(r uint32, kind RegionType) bool {
	switch kind {
	case RegionDir:
		return testBit(sm.dirTypeBits, r)
	case RegionBigFile:
		return testBit(sm.bfileTypeBits, r)
	default:
		return false
	}
}

func (sm *spaceManager) regionIsUnassigned(r uint32) bool {
	if r == 0 || r == sm.reserveRegion {
		return false
	}
	return !testBit(sm.dirTypeBits, r) && !testBit(sm.bfileTypeBits, r)
}

func (sm *spaceManager) assignRegionType(r uint32, kind RegionType) {
	switch kind {
	case RegionDir:
		setBit(sm.dirTypeBits, r)
	case RegionBigFile:
		setBit(sm.bfileTypeBits, r)
	}
}

// emapSet marks num sectors starting at sector as reclaimable (clears
// their erase-map bits), per spec §4.3. If the sector's region is one
// of the currently-loaded slots, the RAM copy and flash byte are
// updated directly; otherwise this writes straight through to that
// region's on-flash erase bitmap (there is no separately buffered
// erase-map slot).
func (sm *spaceManager) emapSet(sector, num uint32) error {
	for num > 0 {
		region := sector / sm.regionSize
		localStart := sector % sm.regionSize
		runLen := minU32(num, sm.regionSize-localStart)

		if err := sm.clearEraseBits(region, localStart, runLen); err != nil {
			return err
		}

		sector += runLen
		num -= runLen
	}

	return nil
}

func (sm *spaceManager) clearEraseBits(region, localStart, runLen uint32) error {
	for _, slot := range [...]*regionSlot{sm.meta, sm.dir, sm.bfile, sm.reserve} {
		if slot.region == region {
			for i := uint32(0); i < runLen; i++ {
				clearBit(slot.erase, localStart+i)
			}
			return sm.flushSlotAt(slot, region)
		}
	}

	// Region not currently buffered by any slot: patch its on-flash
	// erase bitmap directly.
	buf := make([]byte, bitBytes(runLen+8))
	eraseOff := sm.storeByteOffset(region) + bitBytes(sm.regionSize)
	byteStart := localStart / 8
	byteEnd := (localStart+runLen+7)/8

	fs, fo := sm.storeAddr(eraseOff + byteStart)
	if err := sm.fio.cacheRead(buf[:byteEnd-byteStart], fs, fo); err != nil {
		return err
	}

	for i := uint32(0); i < runLen; i++ {
		bit := localStart + i
		byteIdx := bit/8 - byteStart
		buf[byteIdx] &^= 0x80 >> (bit % 8)
	}

	return sm.fio.cacheProg(buf[:byteEnd-byteStart], fs, fo)
}

// relocateSectorMapStore signals that the store has run out of slack
// and needs to move to a freshly allocated area. The concrete
// allocation of new map-typed sectors and the superblock commit that
// must follow it are driven by the filesystem-level coordinator
// (n2fs.go), which owns the superblock's map-store address record and
// can itself call alloc(SectorMap, ...) without recursing back into
// this function. See (*N2FS).relocateSectorMap, wired in via sm.relocate.
func (sm *spaceManager) relocateSectorMapStore() error {
	if sm.relocate == nil {
		return newErr(KindNoSpace, "sector-map store exhausted; no relocation coordinator wired")
	}
	return sm.relocate()
}
