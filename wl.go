package n2fs

// Wear leveling: once the space manager's scanTimes crosses the
// configured threshold, region selection stops walking the region map
// in order and instead draws from a small sorted-by-erase-count
// candidate list per type, kept in RAM (spec §4.3,
// N2FS_RAM_REGION_NUM candidates, re-sorted every WLMigrateThreshold
// region changes). This spreads wear across the whole device instead
// of always handing out the next region in index order.

type wlCandidate struct {
	region     uint32
	eraseCount uint32
}

type wearLeveler struct {
	sm *spaceManager

	dirCandidates   []wlCandidate
	bfileCandidates []wlCandidate

	changesSinceSort uint32
}

func newWearLeveler(sm *spaceManager) *wearLeveler {
	return &wearLeveler{sm: sm}
}

// nextCandidate pops the least-worn candidate region of kind off the
// front of its sorted list, refilling and re-sorting the list first if
// it is empty or stale.
func (wl *wearLeveler) nextCandidate(kind RegionType) (uint32, bool) {
	list := wl.listFor(kind)

	if len(*list) == 0 || wl.changesSinceSort >= WLMigrateThreshold {
		if err := wl.rebuild(kind); err != nil {
			return 0, false
		}
		wl.changesSinceSort = 0
	}

	if len(*list) == 0 {
		return 0, false
	}

	best := (*list)[0]
	*list = (*list)[1:]
	wl.changesSinceSort++

	return best.region, true
}

func (wl *wearLeveler) listFor(kind RegionType) *[]wlCandidate {
	switch kind {
	case RegionBigFile:
		return &wl.bfileCandidates
	default:
		return &wl.dirCandidates
	}
}

// rebuild scans every region typed as kind, takes each one's erase
// count from its first sector's header only (the region's other
// sectors are not read) and keeps the RAMRegionNum least-worn as
// candidates.
func (wl *wearLeveler) rebuild(kind RegionType) error {
	typeBits := wl.sm.dirTypeBits
	if kind == RegionBigFile {
		typeBits = wl.sm.bfileTypeBits
	}

	var candidates []wlCandidate

	for r := uint32(0); r < wl.sm.regionCount; r++ {
		if !testBit(typeBits, r) {
			continue
		}

		ec, err := wl.regionEraseCount(r)
		if err != nil {
			return err
		}

		candidates = append(candidates, wlCandidate{region: r, eraseCount: ec})
	}

	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].eraseCount < candidates[j-1].eraseCount; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	if len(candidates) > RAMRegionNum {
		candidates = candidates[:RAMRegionNum]
	}

	*wl.listFor(kind) = candidates
	return nil
}

func (wl *wearLeveler) regionEraseCount(region uint32) (uint32, error) {
	var raw [4]byte
	sector := region * wl.sm.regionSize

	if err := wl.sm.fio.directRead(raw[:], sector, 0); err != nil {
		return 0, err
	}

	h := beUint32(raw[:])
	if SectorHeadUnwritten(h) || !SectorHeadValid(h) {
		return 0, nil
	}

	return SectorHeadEraseCount(h), nil
}

// maybeMigrate swaps the most-worn region of kind into the reserve
// region once its erase count has pulled meaningfully ahead of the
// reserve's own, spreading wear before that region would otherwise be
// handed straight back out by nextCandidate. Called once scanTimes has
// crossed WLStart; the exact migration trigger beyond the first sort is
// left to the implementer by spec §4.3 (see DESIGN.md), so an
// erase-count margin against the reserve region is the rule used here.
func (wl *wearLeveler) maybeMigrate(kind RegionType) error {
	worst, ok, err := wl.worstRegion(kind)
	if err != nil || !ok {
		return err
	}

	reserveEC, err := wl.regionEraseCount(wl.sm.reserveRegion)
	if err != nil {
		return err
	}

	if worst.eraseCount <= reserveEC+WLMigrateEraseMargin {
		return nil
	}

	return wl.migrate(kind, worst.region)
}

// worstRegion scans every region typed as kind and returns the one with
// the highest erase count.
func (wl *wearLeveler) worstRegion(kind RegionType) (wlCandidate, bool, error) {
	typeBits := wl.sm.dirTypeBits
	if kind == RegionBigFile {
		typeBits = wl.sm.bfileTypeBits
	}

	var worst wlCandidate
	found := false

	for r := uint32(0); r < wl.sm.regionCount; r++ {
		if !testBit(typeBits, r) {
			continue
		}

		ec, err := wl.regionEraseCount(r)
		if err != nil {
			return wlCandidate{}, false, err
		}

		if !found || ec > worst.eraseCount {
			worst = wlCandidate{region: r, eraseCount: ec}
			found = true
		}
	}

	return worst, found, nil
}

// migrate swaps a badly-worn region's contents with the reserve region
// via a three-way copy (old reserve data is discarded; the reserve
// region always enters a migration empty, per spec §4.3's relocation
// invariant), then erases every sector of the vacated region so it
// becomes the new, empty reserve (erase count lineage reset). It is
// reached through maybeMigrate, which space.go's loadNextRegion calls
// on a region change once scanTimes has reached WLStart.
func (wl *wearLeveler) migrate(from RegionType, fromRegion uint32) error {
	sm := wl.sm

	src := sm.slotFor(sectorTypeForRegion(from))
	if src.region != fromRegion {
		if err := sm.loadSlotFrom(src, fromRegion); err != nil {
			return err
		}
	}

	oldReserve := sm.reserveRegion
	reserveStart := oldReserve * sm.regionSize
	fromStart := fromRegion * sm.regionSize

	for i := uint32(0); i < sm.regionSize; i++ {
		if err := wl.copySector(fromStart+i, reserveStart+i); err != nil {
			return err
		}
	}

	for i := uint32(0); i < sm.regionSize; i++ {
		if err := sm.fio.cfg.Driver.Erase(fromStart + i); err != nil {
			return err
		}
	}

	sm.reserveRegion = fromRegion
	src.region = oldReserve

	typeBits := sm.dirTypeBits
	if from == RegionBigFile {
		typeBits = sm.bfileTypeBits
	}
	clearBit(typeBits, fromRegion)
	setBit(typeBits, oldReserve)

	// Every cached candidate in both lists may now name a region whose
	// physical identity just swapped; drop them rather than hand out a
	// stale index.
	wl.dirCandidates = nil
	wl.bfileCandidates = nil
	wl.changesSinceSort = WLMigrateThreshold

	return nil
}

// copySector physically relocates one sector's worth of bytes,
// preserving its header (and thus its erase count lineage) verbatim.
func (wl *wearLeveler) copySector(from, to uint32) error {
	buf := make([]byte, wl.sm.cfg.SectorSize)
	if err := wl.sm.fio.directRead(buf, from, 0); err != nil {
		return err
	}
	return wl.sm.fio.directProg(buf, to, 0, false)
}

func sectorTypeForRegion(kind RegionType) SectorType {
	switch kind {
	case RegionBigFile:
		return SectorBigFile
	default:
		return SectorDir
	}
}
