package n2fs

// Dir is a handle to an open directory (spec §4.5). Directory state is
// authoritative on flash; a Dir caches only the location of its own
// chain's current tail sector and, for its lifetime, tracks how many
// of its children are themselves currently open so it can refuse to
// close out from under them (spec §7's cannot-close-dir-with-open-
// children rule), plus a running count of bytes its own chain could
// reclaim (old_space) that gates whether the next overflow grows the
// chain or compacts it (spec §4.5).
type Dir struct {
	fs       *N2FS
	id       uint16
	parentID uint16

	tailSector uint32
	oldSpace   uint32

	openChildren int
}

// pendingRecord is one record queued for Dir.appendRecords.
type pendingRecord struct {
	id      uint16
	typ     DataType
	payload []byte
}

// writtenRecord is where Dir.appendRecords actually placed one queued
// record.
type writtenRecord struct {
	sector uint32
	off    uint32
}

// Mkdir creates a subdirectory named name inside dir.
func (dir *Dir) Mkdir(name string) error {
	if err := validateName(dir.fs.cfg, name); err != nil {
		return err
	}

	if _, found, err := dtraverseName(dir.fs.fio, dir.tailSector, dir.fs.cfg.SectorSize, name); err != nil {
		return err
	} else if found {
		return newErr(KindExist, "%q already exists", name)
	}

	childID, err := dir.fs.ids.alloc()
	if err != nil {
		return err
	}

	sectors, err := dir.fs.space.alloc(SectorDir, 1)
	if err != nil {
		dir.fs.ids.release(childID)
		return err
	}
	childSector := sectors[0]

	if _, err := writeDirChainLink(dir.fs.fio, childSector, 0); err != nil {
		dir.fs.ids.release(childID)
		return err
	}

	meta := entryMeta{ChildID: childID, ParentID: dir.id, ChildSector: childSector}
	payload, err := encodeEntry(meta, name, nil)
	if err != nil {
		return err
	}

	if _, err := dir.appendRecords([]pendingRecord{{id: childID, typ: DataDirName, payload: payload}}); err != nil {
		return err
	}

	dir.fs.tree.insert(dir.id, name, childID, childSector, true)
	return nil
}

// Create creates an empty file named name inside dir.
func (dir *Dir) Create(name string) error {
	if err := validateName(dir.fs.cfg, name); err != nil {
		return err
	}

	if _, found, err := dtraverseName(dir.fs.fio, dir.tailSector, dir.fs.cfg.SectorSize, name); err != nil {
		return err
	} else if found {
		return newErr(KindExist, "%q already exists", name)
	}

	childID, err := dir.fs.ids.alloc()
	if err != nil {
		return err
	}

	meta := entryMeta{ChildID: childID, ParentID: dir.id}
	payload, err := encodeEntry(meta, name, nil)
	if err != nil {
		return err
	}

	if _, err := dir.appendRecords([]pendingRecord{{id: childID, typ: DataFileName, payload: payload}}); err != nil {
		return err
	}

	dir.fs.tree.insert(dir.id, name, childID, dir.tailSector, false)
	return nil
}

// appendRecords appends one or more records to dir's chain as a single
// contiguous run, growing or compacting the chain first if its tail
// sector has no room (spec §4.5's dir_prog: room check, then
// GC-gated grow-vs-compact, then append). Growing or compacting the
// chain changes its tail sector, which must be propagated up into
// dir's own entry in its parent (spec §4.5/§4.8; see propagateSector).
func (dir *Dir) appendRecords(records []pendingRecord) ([]writtenRecord, error) {
	fio := dir.fs.fio
	sectorSize := dir.fs.cfg.SectorSize

	var needed uint32
	for _, r := range records {
		needed += uint32(len(r.payload)) + recordHeaderSize
	}

	end, err := dirSectorEnd(fio, dir.tailSector, sectorSize)
	if err != nil {
		return nil, err
	}

	if end+needed > sectorSize {
		if err := dir.growOrCompact(); err != nil {
			return nil, err
		}

		end, err = dirSectorEnd(fio, dir.tailSector, sectorSize)
		if err != nil {
			return nil, err
		}

		if end+needed > sectorSize {
			return nil, newErr(KindWrongCalc, "records of %d bytes do not fit a fresh sector", needed)
		}
	}

	out := make([]writtenRecord, len(records))
	for i, r := range records {
		out[i] = writtenRecord{sector: dir.tailSector, off: end}

		end, err = appendRecord(fio, dir.tailSector, end, r.id, r.typ, r.payload)
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// growOrCompact decides, per spec §4.5's old_space rule, whether the
// chain has accumulated enough reclaimable space (at least three
// sectors' worth) to be worth compacting now, or whether it is
// cheaper to just grow it by one more sector and keep going.
func (dir *Dir) growOrCompact() error {
	if dir.oldSpace >= 3*dir.fs.cfg.SectorSize {
		return dir.compactChain()
	}
	return dir.growChain()
}

// growChain allocates a fresh sector, links it behind the current
// tail, and makes it the new tail.
func (dir *Dir) growChain() error {
	sectors, err := dir.fs.space.alloc(SectorDir, 1)
	if err != nil {
		return err
	}
	newSector := sectors[0]

	if _, err := writeDirChainLink(dir.fs.fio, newSector, dir.tailSector); err != nil {
		return err
	}

	dir.tailSector = newSector
	return dir.propagateSector()
}

// compactChain walks the whole chain, compacts every live record onto
// one new sector, retires every sector the old chain spanned, and
// resets old_space.
func (dir *Dir) compactChain() error {
	fs := dir.fs

	newSector, moved, err := dtraverseGC(fs, dir.tailSector)
	if err != nil {
		return err
	}

	dir.tailSector = newSector
	dir.oldSpace = 0

	fs.refreshOpenFiles(moved)
	fs.tree.invalidateParent(dir.id)

	return dir.propagateSector()
}

// propagateSector pushes dir's new tail sector up into its own entry
// record in its parent, or into fs.rootSector if dir is the root. This
// is the fix for the on-flash ChildSector staleness a growing or
// GC'd subdirectory would otherwise leave behind in its parent: every
// currently-open non-root directory always has its parent open too
// (Dir.Close refuses while openChildren != 0, and a child can only be
// opened through an already-open parent), so the lookup below always
// succeeds.
func (dir *Dir) propagateSector() error {
	fs := dir.fs

	if dir.id == fs.rootID {
		fs.rootSector = dir.tailSector
		return nil
	}

	return fs.updateChildSector(dir.parentID, dir.id, dir.tailSector)
}

// Readdir lists the live children of dir.
func (dir *Dir) Readdir() ([]DirEntry, error) {
	entries, _, err := dtraverseDir(dir.fs.fio, dir.tailSector, dir.fs.cfg.SectorSize)
	if err != nil {
		return nil, err
	}

	out := make([]DirEntry, len(entries))
	for i, e := range entries {
		out[i] = DirEntry{Name: e.name, IsDir: e.isDir, Size: e.meta.Size}
	}

	return out, nil
}

// DirEntry is one entry returned by Dir.Readdir.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  uint32
}

// Remove deletes the child named name, which must be an empty
// directory or a file.
func (dir *Dir) Remove(name string) error {
	entry, found, err := dtraverseName(dir.fs.fio, dir.tailSector, dir.fs.cfg.SectorSize, name)
	if err != nil {
		return err
	}
	if !found {
		return newErr(KindNoEnt, "%q not found", name)
	}

	if entry.isDir {
		childEntries, _, err := dtraverseDir(dir.fs.fio, entry.meta.ChildSector, dir.fs.cfg.SectorSize)
		if err != nil {
			return err
		}
		if len(childEntries) != 0 {
			return newErr(KindNotEmpty, "%q is not empty", name)
		}
	}

	if _, open := dir.fs.openDirs[entry.meta.ChildID]; open {
		return newErr(KindCantDelete, "%q is open", name)
	}
	if _, open := dir.fs.openFiles[entry.meta.ChildID]; open {
		return newErr(KindCantDelete, "%q is open", name)
	}

	entryLen, err := recordLength(dir.fs.fio, entry.sector, entry.off)
	if err != nil {
		return err
	}
	if err := deleteRecord(dir.fs.fio, entry.sector, entry.off); err != nil {
		return err
	}
	dir.oldSpace += entryLen

	if entry.isDir {
		chain, err := dirChainSectors(dir.fs.fio, entry.meta.ChildSector, dir.fs.cfg.SectorSize)
		if err != nil {
			return err
		}
		for _, s := range chain {
			if err := markSectorOld(dir.fs.fio, s); err != nil {
				return err
			}
			if err := dir.fs.space.emapSet(s, 1); err != nil {
				return err
			}
		}
	}

	if !entry.isDir {
		if idx, found, err := dtraverseIndex(dir.fs.fio, dir.tailSector, dir.fs.cfg.SectorSize, entry.meta.ChildID); err != nil {
			return err
		} else if found {
			for _, ext := range idx.extents {
				if err := markSectorOld(dir.fs.fio, ext.Sector); err != nil {
					return err
				}
				if err := dir.fs.space.emapSet(ext.Sector, 1); err != nil {
					return err
				}
			}

			idxLen, err := recordLength(dir.fs.fio, idx.sector, idx.off)
			if err != nil {
				return err
			}
			if err := deleteRecord(dir.fs.fio, idx.sector, idx.off); err != nil {
				return err
			}
			dir.oldSpace += idxLen
		}
	}

	if err := dir.fs.ids.release(entry.meta.ChildID); err != nil {
		return err
	}

	dir.fs.tree.invalidate(dir.id, name)
	return nil
}

// Close releases dir's handle. Per spec §7, a directory with children
// still open cannot be closed. Closing is also when this handle's
// accumulated old_space is persisted as a hint (spec §4.9's
// dir-old-space-hint record): Unmount itself requires every directory
// already closed, so Close is the only point in a directory's open
// lifetime where persisting this can actually run.
func (dir *Dir) Close() error {
	if dir.openChildren != 0 {
		return newErr(KindCantDelete, "directory has %d open child handles", dir.openChildren)
	}

	if err := dir.persistOldSpaceHint(); err != nil {
		return err
	}

	delete(dir.fs.openDirs, dir.id)
	if parent, ok := dir.fs.openDirs[dir.parentID]; ok {
		parent.openChildren--
	}

	return nil
}

func (dir *Dir) persistOldSpaceHint() error {
	if dir.oldSpace == 0 {
		return nil
	}

	payload := encodeDirOldSpace(dir.oldSpace)
	if _, err := dir.appendRecords([]pendingRecord{{id: dir.id, typ: DataDirOldSpace, payload: payload}}); err != nil {
		return err
	}

	return dir.fs.fio.cacheFlush()
}

func validateName(cfg Config, name string) error {
	if name == "" {
		return newErr(KindInval, "empty name")
	}
	if uint32(len(name)) > cfg.NameMax {
		return newErr(KindNameTooLong, "name %q exceeds %d bytes", name, cfg.NameMax)
	}
	return nil
}
