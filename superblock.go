package n2fs

// Superblock: the rotating two-sector header pair at sectors 0 and 1
// that anchors everything else on the device (spec §4.9). Mounting
// means finding whichever of the two carries the newer extension
// counter (0x00..0x3E, wrapping from 0x3E back to 0x00, i.e. mod 63,
// with 0x3F reserved as "never written") and replaying its last commit
// record;
// committing means writing a fresh generation to the OTHER sector and
// flipping which one is active, so a crash mid-commit always leaves
// last mount's state intact on the sector that was not being written.

const (
	superSectorA = 0
	superSectorB = 1

	// extensionReserved (0x3F) is never written; it would be
	// indistinguishable from an erased-but-unwritten field.
	extensionReserved = 0x3f
	extensionMax       = 0x3e
)

type superblockState struct {
	sector     uint32
	extension  uint8
	generation uint32

	smapSector uint32
	smapArea   uint32
	idmapSector uint32

	rootID     uint16
	rootSector uint32

	// cfg is the geometry read back from the winning superblock's
	// DataSuperMessage record (zero-valued until readSuperblock/Mount
	// populates it from flash, since Format only fills it in once it
	// commits the first superblock).
	cfg configRecord
}

// extensionNewer reports whether a beats b under the mod-(extensionMax+1)
// wraparound rule: a wins when it is 1 to 31 steps ahead of b, so 0x00
// is considered newer than 0x3E (commitSuperblock wraps 0x3E to 0x00).
func extensionNewer(a, b uint8) bool {
	if a == b {
		return false
	}
	diff := (int(a) - int(b) + int(extensionMax) + 1) % (int(extensionMax) + 1)
	return diff <= int(extensionMax)/2
}

// readSuperblock reads sector's header and, if valid, its commit and
// map-address records.
func readSuperblock(fio *flashIO, sector uint32) (superblockState, bool, error) {
	var raw [4]byte
	if err := fio.directRead(raw[:], sector, 0); err != nil {
		return superblockState{}, false, err
	}

	h := beUint32(raw[:])
	if SectorHeadUnwritten(h) || !SectorHeadValid(h) || SectorHeadType(h) != SectorSuper {
		return superblockState{}, false, nil
	}

	st := superblockState{sector: sector, extension: SectorHeadExtension(h)}

	rw := newRecordWalker(fio, sector, fio.cfg.SectorSize)
	for {
		head, payloadOff, _, ok, err := rw.next()
		if err != nil {
			return superblockState{}, false, err
		}
		if !ok {
			break
		}

		recordOff := payloadOff - recordHeaderSize
		payload, err := readRecord(fio, sector, recordOff, head)
		if err != nil {
			return superblockState{}, false, err
		}

		switch DataHeadType(head) {
		case DataCommit:
			c, err := decodeCommit(payload)
			if err != nil {
				return superblockState{}, false, err
			}
			st.generation = c.Generation
			st.rootID = c.RootID
			st.rootSector = c.RootSector

		case DataSectorMap:
			m, err := decodeMapAddr(payload)
			if err != nil {
				return superblockState{}, false, err
			}
			st.smapSector = m.Sector
			st.smapArea = m.Area

		case DataIDMap:
			m, err := decodeMapAddr(payload)
			if err != nil {
				return superblockState{}, false, err
			}
			st.idmapSector = m.Sector

		case DataSuperMessage:
			c, err := decodeConfig(payload)
			if err != nil {
				return superblockState{}, false, err
			}
			st.cfg = c
		}
	}

	return st, true, nil
}

// validateConfig checks a replayed superblock's persisted geometry
// against the Config a caller is mounting with, per spec §4.9's
// wrongcfg check. A zero-valued st.cfg means the image predates
// DataSuperMessage (or Format never got far enough to commit one);
// that is not itself a mismatch, since there is nothing to compare.
func (st superblockState) validateConfig(cfg Config) error {
	if st.cfg == (configRecord{}) {
		return nil
	}

	want := configRecord{
		SectorSize:  cfg.SectorSize,
		SectorCount: cfg.SectorCount,
		RegionCount: cfg.RegionCount,
		ReadSize:    cfg.ReadSize,
		ProgSize:    cfg.ProgSize,
	}

	if st.cfg != want {
		return newErr(KindWrongConfig, "on-flash config %+v does not match mount config %+v", st.cfg, want)
	}

	return nil
}

// chooseActiveSuperblock reads both rotating sectors and picks the one
// with the newer extension counter, per spec §4.9.
func chooseActiveSuperblock(fio *flashIO) (superblockState, bool, error) {
	a, okA, err := readSuperblock(fio, superSectorA)
	if err != nil {
		return superblockState{}, false, err
	}

	b, okB, err := readSuperblock(fio, superSectorB)
	if err != nil {
		return superblockState{}, false, err
	}

	switch {
	case okA && okB:
		if extensionNewer(a.extension, b.extension) {
			return a, true, nil
		}
		return b, true, nil
	case okA:
		return a, true, nil
	case okB:
		return b, true, nil
	default:
		return superblockState{}, false, nil
	}
}

// commitSuperblock writes a brand new superblock sector with the next
// extension counter (wrapping past extensionReserved) and the current
// commit/map-address records, then retires the previous one. The
// previous sector is only marked old after the new one is fully
// written, so a crash mid-commit leaves the old sector — still
// valid — as the one chooseActiveSuperblock picks up on next mount.
func commitSuperblock(fio *flashIO, prev superblockState, cfg Config) (superblockState, error) {
	next := prev
	next.cfg = configRecord{
		SectorSize:  cfg.SectorSize,
		SectorCount: cfg.SectorCount,
		RegionCount: cfg.RegionCount,
		ReadSize:    cfg.ReadSize,
		ProgSize:    cfg.ProgSize,
	}
	next.sector = superSectorA
	if prev.sector == superSectorA {
		next.sector = superSectorB
	}

	next.extension = prev.extension + 1
	if next.extension >= extensionReserved {
		next.extension = 0
	}
	next.generation = prev.generation + 1

	var raw [4]byte
	if err := fio.directRead(raw[:], next.sector, 0); err != nil {
		return superblockState{}, err
	}
	prevHead := beUint32(raw[:])

	if !SectorHeadUnwritten(prevHead) && SectorHeadValid(prevHead) {
		if err := fio.cfg.Driver.Erase(next.sector); err != nil {
			return superblockState{}, err
		}
		fio.invalidate(next.sector, 0, fio.cfg.SectorSize)
	}

	head := MakeSectorHead(StateUsing, SectorSuper, next.extension, 0)
	putBeUint32(raw[:], head)
	if err := fio.directProg(raw[:], next.sector, 0, false); err != nil {
		return superblockState{}, err
	}

	off := uint32(recordHeaderSize)

	smapPayload, err := encodeMapAddr(mapAddrRecord{Sector: next.smapSector, Area: next.smapArea})
	if err != nil {
		return superblockState{}, err
	}
	off, err = appendRecord(fio, next.sector, off, 0, DataSectorMap, smapPayload)
	if err != nil {
		return superblockState{}, err
	}

	idmapPayload, err := encodeMapAddr(mapAddrRecord{Sector: next.idmapSector})
	if err != nil {
		return superblockState{}, err
	}
	off, err = appendRecord(fio, next.sector, off, 0, DataIDMap, idmapPayload)
	if err != nil {
		return superblockState{}, err
	}

	cfgPayload, err := encodeConfig(next.cfg)
	if err != nil {
		return superblockState{}, err
	}
	off, err = appendRecord(fio, next.sector, off, 0, DataSuperMessage, cfgPayload)
	if err != nil {
		return superblockState{}, err
	}

	commitPayload, err := encodeCommit(commitRecord{Generation: next.generation, RootID: next.rootID, RootSector: next.rootSector})
	if err != nil {
		return superblockState{}, err
	}
	if _, err := appendRecord(fio, next.sector, off, 0, DataCommit, commitPayload); err != nil {
		return superblockState{}, err
	}

	if err := fio.cacheFlush(); err != nil {
		return superblockState{}, err
	}

	// Skip retiring the previous sector on the very first commit: at
	// format time prev is a synthetic seed value, not an actual
	// on-flash header, and there is nothing there to retire yet.
	if prev.sector != next.sector && prev.generation > 0 {
		if err := markSectorOld(fio, prev.sector); err != nil {
			return superblockState{}, err
		}
	}

	return next, nil
}
