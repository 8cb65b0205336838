package n2fs

// N2FS is a mounted filesystem instance: the public entry point
// wiring together the cache/space/id layers, the rotating superblock,
// and the open file/dir handle tables (spec §4.9, §7).
type N2FS struct {
	cfg   Config
	fio   *flashIO
	space *spaceManager
	ids   *idManager
	tree  *treeCache

	super superblockState

	rootID     uint16
	rootSector uint32

	openDirs  map[uint16]*Dir
	openFiles map[uint16]*File
}

const (
	idSuperblock uint16 = 0
	idRoot       uint16 = 1
)

// Format erases and lays out a brand new filesystem per cfg, leaving
// it ready for Mount.
func Format(cfg Config) (*N2FS, error) {
	cfg = cfg.normalized()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	fs := &N2FS{
		cfg:       cfg,
		fio:       newFlashIO(cfg),
		openDirs:  make(map[uint16]*Dir),
		openFiles: make(map[uint16]*File),
		tree:      newTreeCache(),
	}
	fs.space = newSpaceManager(fs.fio, cfg)
	fs.space.relocate = fs.relocateSectorMap
	fs.ids = newIDManager(fs.fio, cfg)

	// Layout: sector-map store starts right after the two superblock
	// sectors; the id map store follows it. Both are sized to hold
	// every region's bitmap pair / every id's bitmap pair up front,
	// since neither grows past what RegionCount/IDMax already fix.
	smapSector := uint32(superblockSectorCount)
	smapArea := (fs.space.storeTotalBytes() + cfg.SectorSize - 1) / cfg.SectorSize
	if smapArea == 0 {
		smapArea = 1
	}

	idmapSector := smapSector + smapArea
	idmapBytes := 2 * bitBytes(IDMax/cfg.RegionCount) * cfg.RegionCount
	idmapArea := (idmapBytes + cfg.SectorSize - 1) / cfg.SectorSize
	if idmapArea == 0 {
		idmapArea = 1
	}

	if err := fs.space.formatInit(smapSector, smapArea); err != nil {
		return nil, err
	}
	if err := fs.ids.formatInit(idmapSector); err != nil {
		return nil, err
	}

	rootSectors, err := fs.space.alloc(SectorDir, 1)
	if err != nil {
		return nil, err
	}
	fs.rootID = idRoot
	fs.rootSector = rootSectors[0]

	if _, err := writeDirChainLink(fs.fio, fs.rootSector, 0); err != nil {
		return nil, err
	}

	fs.super = superblockState{
		sector:      superSectorA,
		extension:   extensionReserved - 1,
		smapSector:  smapSector,
		smapArea:    smapArea,
		idmapSector: idmapSector,
		rootID:      fs.rootID,
		rootSector:  fs.rootSector,
	}

	next, err := commitSuperblock(fs.fio, fs.super, cfg)
	if err != nil {
		return nil, err
	}
	fs.super = next

	if err := fs.fio.cfg.Driver.Sync(); err != nil {
		return nil, err
	}

	return fs, nil
}

// Mount brings up an existing filesystem, picking the newer of the two
// rotating superblock sectors and restoring the space/id managers'
// pinned regions from it (spec §4.9's replay).
func Mount(cfg Config) (*N2FS, error) {
	cfg = cfg.normalized()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	fs := &N2FS{
		cfg:       cfg,
		fio:       newFlashIO(cfg),
		openDirs:  make(map[uint16]*Dir),
		openFiles: make(map[uint16]*File),
		tree:      newTreeCache(),
	}
	fs.space = newSpaceManager(fs.fio, cfg)
	fs.space.relocate = fs.relocateSectorMap
	fs.ids = newIDManager(fs.fio, cfg)

	super, found, err := chooseActiveSuperblock(fs.fio)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, newErr(KindWrongHead, "no valid superblock found")
	}
	if err := super.validateConfig(cfg); err != nil {
		return nil, err
	}
	fs.super = super
	fs.rootID = super.rootID
	fs.rootSector = super.rootSector

	fs.space.smapSector = super.smapSector
	fs.space.smapArea = super.smapArea
	fs.space.reserveRegion = fs.space.regionCount - 1

	if err := fs.space.loadSlotFrom(fs.space.meta, 0); err != nil {
		return nil, err
	}
	if err := fs.space.loadSlotFrom(fs.space.reserve, fs.space.reserveRegion); err != nil {
		return nil, err
	}

	fs.ids.beginSector = super.idmapSector
	if err := fs.ids.loadRegion(); err != nil {
		return nil, err
	}

	if err := fs.rebuildTypeBits(); err != nil {
		return nil, err
	}

	return fs, nil
}

// rebuildTypeBits reconstructs dirTypeBits/bfileTypeBits from each
// region's first sector header, since the space manager only persists
// free/erase bitmaps, not the dir/big-file type assignment itself.
func (fs *N2FS) rebuildTypeBits() error {
	sm := fs.space

	for r := uint32(0); r < sm.regionCount; r++ {
		if r == 0 || r == sm.reserveRegion {
			continue
		}

		var raw [4]byte
		if err := fs.fio.directRead(raw[:], r*sm.regionSize, 0); err != nil {
			return err
		}

		h := beUint32(raw[:])
		if SectorHeadUnwritten(h) || !SectorHeadValid(h) {
			continue
		}

		switch SectorHeadType(h) {
		case SectorDir:
			setBit(sm.dirTypeBits, r)
		case SectorBigFile:
			setBit(sm.bfileTypeBits, r)
		}
	}

	return nil
}

// Unmount flushes all buffered state and writes a final superblock
// commit recording the root directory's current location.
func (fs *N2FS) Unmount() error {
	if len(fs.openDirs) != 0 || len(fs.openFiles) != 0 {
		return newErr(KindCantDelete, "cannot unmount with open handles")
	}

	if err := fs.fio.cacheFlush(); err != nil {
		return err
	}

	next, err := commitSuperblock(fs.fio, superblockState{
		sector:      fs.super.sector,
		extension:   fs.super.extension,
		smapSector:  fs.space.smapSector,
		smapArea:    fs.space.smapArea,
		idmapSector: fs.ids.beginSector,
		rootID:      fs.rootID,
		rootSector:  fs.rootSector,
		generation:  fs.super.generation,
	}, fs.cfg)
	if err != nil {
		return err
	}
	fs.super = next

	return fs.fio.cfg.Driver.Sync()
}

// relocateSectorMap moves the whole sector-map store to a freshly
// allocated run of sectors, copies every region's bitmap pair forward,
// retires the old run, and commits a superblock recording the new
// address. This is what spaceManager.relocateSectorMapStore defers to,
// since only the filesystem-level coordinator also owns the superblock
// commit that must follow (spec §4.3/§4.9; spec glossary's scan_times
// counts how many times this has run).
func (fs *N2FS) relocateSectorMap() error {
	sm := fs.space

	oldSector := sm.smapSector
	area := sm.smapArea

	sectors, err := sm.alloc(SectorMap, area)
	if err != nil {
		return err
	}
	newSector := sectors[0]

	total := sm.storeTotalBytes()
	buf := make([]byte, total)
	if err := fs.fio.cacheRead(buf, oldSector, 0); err != nil {
		return err
	}
	if err := fs.fio.cacheProg(buf, newSector, 0); err != nil {
		return err
	}
	if err := fs.fio.cacheFlush(); err != nil {
		return err
	}

	for i := uint32(0); i < area; i++ {
		if err := markSectorOld(fs.fio, oldSector+i); err != nil {
			return err
		}
	}
	if err := sm.emapSet(oldSector, area); err != nil {
		return err
	}

	sm.smapSector = newSector

	next, err := commitSuperblock(fs.fio, superblockState{
		sector:      fs.super.sector,
		extension:   fs.super.extension,
		smapSector:  sm.smapSector,
		smapArea:    sm.smapArea,
		idmapSector: fs.ids.beginSector,
		rootID:      fs.rootID,
		rootSector:  fs.rootSector,
		generation:  fs.super.generation,
	}, fs.cfg)
	if err != nil {
		return err
	}
	fs.super = next

	return nil
}

// OpenRoot returns a handle to the root directory.
func (fs *N2FS) OpenRoot() (*Dir, error) {
	return fs.openDir(fs.rootID, fs.rootID, fs.rootSector)
}

// RootSector returns the sector currently holding the root directory's
// entry log.
func (fs *N2FS) RootSector() uint32 { return fs.rootSector }

// RootID returns the root directory's object id (always 1).
func (fs *N2FS) RootID() uint16 { return fs.rootID }

// Generation returns the superblock generation counter last committed
// by Format, Unmount or relocateSectorMap.
func (fs *N2FS) Generation() uint32 { return fs.super.generation }

// resolve looks up name inside parent, scanning parent's chain and
// caching the result. The returned sector is where the child's own
// data lives: its own chain's tail sector for a subdirectory, or
// parent's own tail sector for a file (spec §4.8).
func (fs *N2FS) resolve(parent *Dir, name string) (liveEntry, uint32, bool, error) {
	entry, found, err := dtraverseName(fs.fio, parent.tailSector, fs.cfg.SectorSize, name)
	if err != nil || !found {
		return liveEntry{}, 0, false, err
	}

	childSector := parent.tailSector
	if entry.isDir {
		childSector = entry.meta.ChildSector
	}

	fs.tree.insert(parent.id, name, entry.meta.ChildID, childSector, entry.isDir)
	return entry, childSector, true, nil
}

// updateChildSector rewrites childID's entry in its parent directory
// to record newSector as the child's current chain tail, deleting the
// previous entry record and appending a DataNewDirName replacement at
// the parent's chain tail (spec §4.5's dir_update: keeping
// a parent's ChildSector in sync is what lets a later resolve/OpenDir
// find a subdirectory after its own chain has grown or been
// compacted). The parent is guaranteed to be open: see Dir.propagateSector.
func (fs *N2FS) updateChildSector(parentID, childID uint16, newSector uint32) error {
	parent, ok := fs.openDirs[parentID]
	if !ok {
		return newErr(KindWrongCalc, "parent %d of open child %d is not open", parentID, childID)
	}

	entries, _, err := dtraverseDir(fs.fio, parent.tailSector, fs.cfg.SectorSize)
	if err != nil {
		return err
	}

	var target *liveEntry
	for i := range entries {
		if entries[i].meta.ChildID == childID {
			target = &entries[i]
			break
		}
	}
	if target == nil {
		return newErr(KindNoEnt, "child %d not found under parent %d", childID, parentID)
	}

	newMeta := target.meta
	newMeta.ChildSector = newSector
	payload, err := encodeEntry(newMeta, target.name, target.inline)
	if err != nil {
		return err
	}

	// Delete the old entry before appending the new one: appendRecords
	// may trigger a chain compaction of the parent, which only treats
	// a record as dead once its type has been flipped to DataDelete.
	oldLen, err := recordLength(fs.fio, target.sector, target.off)
	if err != nil {
		return err
	}
	if err := deleteRecord(fs.fio, target.sector, target.off); err != nil {
		return err
	}
	parent.oldSpace += oldLen

	if _, err := parent.appendRecords([]pendingRecord{{id: childID, typ: DataNewDirName, payload: payload}}); err != nil {
		return err
	}

	fs.tree.invalidateParent(parentID)

	return fs.fio.cacheFlush()
}

// refreshOpenFiles patches every currently-open File handle named in
// moved to point at the location dtraverseGC just relocated its
// records to, so a directory compaction never leaves an open handle
// pointing at a sector that has just been retired.
func (fs *N2FS) refreshOpenFiles(moved map[uint16]movedRecord) {
	for id, m := range moved {
		f, ok := fs.openFiles[id]
		if !ok {
			continue
		}

		f.entrySector, f.entryOff = m.entrySector, m.entryOff
		if m.hasIndex {
			f.indexSector, f.indexOff = m.indexSector, m.indexOff
		}
	}
}

// loadDirOldSpaceHint scans a directory's current tail sector for the
// most recent DataDirOldSpace hint matching id, left behind by a
// previous Close within this same mount.
func (fs *N2FS) loadDirOldSpaceHint(id uint16, tailSector uint32) (uint32, error) {
	rw := newRecordWalker(fs.fio, tailSector, fs.cfg.SectorSize)

	var hint uint32
	for {
		head, payloadOff, _, ok, err := rw.next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}

		if DataHeadType(head) == DataDirOldSpace && DataHeadID(head) == id {
			recordOff := payloadOff - recordHeaderSize
			payload, err := readRecord(fs.fio, tailSector, recordOff, head)
			if err != nil {
				return 0, err
			}

			h, err := decodeDirOldSpace(payload)
			if err != nil {
				return 0, err
			}
			hint = h
		}
	}

	return hint, nil
}

// OpenDir opens the subdirectory named name inside parent, consulting
// the tree cache first (spec §4.8). A cache hit's sector is always
// kept in sync with the on-flash entry by Dir.propagateSector, so a
// stale cache entry can only ever be stale about the NAME existing at
// all (cleared by invalidate/invalidateParent), never about where an
// entry it still reports points.
func (fs *N2FS) OpenDir(parent *Dir, name string) (*Dir, error) {
	if e, ok := fs.tree.lookup(parent.id, name); ok {
		if !e.isDir {
			return nil, newErr(KindNotDir, "%q is not a directory", name)
		}
		return fs.openDir(e.childID, parent.id, e.sector)
	}

	entry, childSector, found, err := fs.resolve(parent, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, newErr(KindNoEnt, "%q not found", name)
	}
	if !entry.isDir {
		return nil, newErr(KindNotDir, "%q is not a directory", name)
	}

	return fs.openDir(entry.meta.ChildID, parent.id, childSector)
}

func (fs *N2FS) openDir(id, parentID uint16, sector uint32) (*Dir, error) {
	if existing, ok := fs.openDirs[id]; ok {
		return existing, nil
	}

	if len(fs.openDirs) >= DirListMax {
		return nil, newErr(KindTooManyOpen, "too many open directories")
	}

	oldSpace, err := fs.loadDirOldSpaceHint(id, sector)
	if err != nil {
		return nil, err
	}

	dir := &Dir{fs: fs, id: id, parentID: parentID, tailSector: sector, oldSpace: oldSpace}
	fs.openDirs[id] = dir

	if parent, ok := fs.openDirs[parentID]; ok && parentID != id {
		parent.openChildren++
	}

	return dir, nil
}

// OpenFile opens the file named name inside parent for reading and
// writing.
func (fs *N2FS) OpenFile(parent *Dir, name string) (*File, error) {
	entry, found, err := dtraverseName(fs.fio, parent.tailSector, fs.cfg.SectorSize, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, newErr(KindNoEnt, "%q not found", name)
	}
	if entry.isDir {
		return nil, newErr(KindIsDir, "%q is a directory", name)
	}

	if existing, ok := fs.openFiles[entry.meta.ChildID]; ok {
		return existing, nil
	}

	if len(fs.openFiles) >= FileListMax {
		return nil, newErr(KindTooManyOpen, "too many open files")
	}

	f := &File{
		fs:          fs,
		id:          entry.meta.ChildID,
		parentID:    parent.id,
		entrySector: entry.sector,
		entryOff:    entry.off,
		name:        name,
		size:        entry.meta.Size,
		inline:      append([]byte(nil), entry.inline...),
	}

	if idx, found, err := dtraverseIndex(fs.fio, parent.tailSector, fs.cfg.SectorSize, entry.meta.ChildID); err != nil {
		return nil, err
	} else if found {
		f.isBig = true
		f.hasIndex = true
		f.indexSector = idx.sector
		f.indexOff = idx.off
		f.index = &bigFileIndex{extents: idx.extents}
		f.inline = nil
	}

	fs.openFiles[f.id] = f
	if parent.fs == fs {
		parent.openChildren++
	}

	fs.tree.insert(parent.id, name, entry.meta.ChildID, parent.tailSector, false)
	return f, nil
}
