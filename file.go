package n2fs

// File is a handle to an open file (spec §4.6/§4.7). Small files keep
// their whole payload inline in the directory entry record; once a
// write would push the file past FileSizeThreshold bytes it converts
// to a big file, whose data lives in its own sectors addressed by a
// separate extent-index record (spec §4.7).
type File struct {
	fs       *N2FS
	id       uint16
	parentID uint16

	entrySector uint32
	entryOff    uint32
	indexSector uint32
	indexOff    uint32

	name string
	size uint32

	isBig    bool
	inline   []byte
	index    *bigFileIndex
	hasIndex bool
}

// ReadAt copies min(len(buf), Size()-offset) bytes starting at offset
// into buf and returns the count read.
func (f *File) ReadAt(buf []byte, offset uint32) (int, error) {
	if offset >= f.size {
		return 0, nil
	}

	n := minU32(uint32(len(buf)), f.size-offset)

	if !f.isBig {
		copy(buf[:n], f.inline[offset:offset+n])
		return int(n), nil
	}

	var read uint32
	for read < n {
		ext, localOff, ok := f.index.locate(offset + read)
		if !ok {
			break
		}

		chunk := minU32(n-read, ext.Length-localOff)
		if err := f.fs.fio.cacheRead(buf[read:read+chunk], ext.Sector, ext.Off+localOff); err != nil {
			return int(read), err
		}

		read += chunk
	}

	return int(read), nil
}

// WriteAt writes data starting at offset, growing the file and
// converting it from small to big storage if the write crosses
// FileSizeThreshold.
func (f *File) WriteAt(data []byte, offset uint32) (int, error) {
	newEnd := offset + uint32(len(data))
	if newEnd > f.fs.cfg.FileMax {
		return 0, newErr(KindFileTooBig, "write would grow file past %d bytes", f.fs.cfg.FileMax)
	}

	if !f.isBig && newEnd <= FileSizeThreshold {
		if newEnd > uint32(len(f.inline)) {
			grown := make([]byte, newEnd)
			copy(grown, f.inline)
			f.inline = grown
		}
		copy(f.inline[offset:], data)

		if newEnd > f.size {
			f.size = newEnd
		}

		if err := f.persistEntry(); err != nil {
			return 0, err
		}

		return len(data), nil
	}

	if !f.isBig {
		if err := f.convertToBig(); err != nil {
			return 0, err
		}
	}

	return f.bigWrite(data, offset)
}

// convertToBig moves a small file's inline payload out into its first
// big-file extent(s), per spec §4.7's small-to-big conversion.
func (f *File) convertToBig() error {
	f.isBig = true
	f.index = &bigFileIndex{}

	old := f.inline
	f.inline = nil

	if len(old) == 0 {
		return nil
	}

	return f.writeExtents(old, 0)
}

// bigWrite allocates fresh sectors for data (NOR cannot reprogram
// already-committed payload bits in place, so every write — append or
// in-range overwrite — lands on newly erased sectors, spec §9 Open
// Question 1), splices the new extent(s) into the index, and persists
// both the index and the directory entry.
func (f *File) bigWrite(data []byte, offset uint32) (int, error) {
	if err := f.writeExtents(data, offset); err != nil {
		return 0, err
	}

	newEnd := offset + uint32(len(data))
	if newEnd > f.size {
		f.size = newEnd
	}

	if err := f.compactIndex(); err != nil {
		return 0, err
	}

	if err := f.persist(); err != nil {
		return 0, err
	}

	return len(data), nil
}

// writeExtents programs data across as many freshly allocated sectors
// as it takes, splicing one new extent into f.index per sector.
func (f *File) writeExtents(data []byte, offset uint32) error {
	sectorSize := f.fs.cfg.SectorSize
	numSectors := (uint32(len(data)) + sectorSize - 1) / sectorSize

	sectors, err := f.fs.space.alloc(SectorBigFile, numSectors)
	if err != nil {
		return err
	}

	var written uint32
	pos := offset

	for _, sector := range sectors {
		chunk := minU32(sectorSize, uint32(len(data))-written)

		if err := f.fs.fio.directProg(data[written:written+chunk], sector, 0, false); err != nil {
			return err
		}

		f.index.splice(pos, chunk, Extent{Sector: sector, Off: 0, Length: chunk})

		written += chunk
		pos += chunk
	}

	return nil
}

// compactIndex merges adjacent same-sector extents. It does not rewrite
// or collapse extents that live in different sectors: if more than
// FileIndexMax extents remain after merging, it returns a KindWrongCalc
// error.
func (f *File) compactIndex() error {
	if len(f.index.extents) == 0 {
		return nil
	}

	merged := f.index.extents[:1]
	for _, e := range f.index.extents[1:] {
		last := &merged[len(merged)-1]
		if last.Sector == e.Sector && last.Off+last.Length == e.Off {
			last.Length += e.Length
			continue
		}
		merged = append(merged, e)
	}

	f.index.extents = merged

	if len(f.index.extents) > FileIndexMax {
		return newErr(KindWrongCalc, "big file index exceeds %d extents", FileIndexMax)
	}

	return nil
}

// persist rewrites both the index record and the directory entry,
// growing or compacting the parent directory's chain first if its tail
// sector has no room (see Dir.appendRecords).
func (f *File) persist() error {
	indexPayload, err := encodeExtents(f.index.extents)
	if err != nil {
		return err
	}

	return f.rewrite(indexPayload)
}

// persistEntry rewrites just the directory entry (small-file path,
// where there is no separate index record).
func (f *File) persistEntry() error {
	return f.rewrite(nil)
}

func (f *File) rewrite(indexPayload []byte) error {
	fio := f.fs.fio

	parent, ok := f.fs.openDirs[f.parentID]
	if !ok {
		return newErr(KindWrongCalc, "parent %d of open file %d is not open", f.parentID, f.id)
	}

	oldEntrySector, oldEntryOff := f.entrySector, f.entryOff
	oldIndexSector, oldIndexOff, hadIndex := f.indexSector, f.indexOff, f.hasIndex

	meta := entryMeta{ChildID: f.id, ParentID: f.parentID, Size: f.size}
	entryPayload, err := encodeEntry(meta, f.name, f.inline)
	if err != nil {
		return err
	}

	// The old records must be deleted before appendRecords runs: it may
	// trigger a chain compaction, which only recognizes a record as
	// dead once its type has actually been flipped to DataDelete, and
	// would otherwise carry this now-superseded copy forward too.
	entryLen, err := recordLength(fio, oldEntrySector, oldEntryOff)
	if err != nil {
		return err
	}
	if err := deleteRecord(fio, oldEntrySector, oldEntryOff); err != nil {
		return err
	}
	parent.oldSpace += entryLen

	if hadIndex {
		idxLen, err := recordLength(fio, oldIndexSector, oldIndexOff)
		if err != nil {
			return err
		}
		if err := deleteRecord(fio, oldIndexSector, oldIndexOff); err != nil {
			return err
		}
		parent.oldSpace += idxLen
	}

	// DataNewFileName marks a rewrite superseding an earlier record at
	// a different location, distinct from the DataFileName a brand new
	// file is first created with (spec §4.6).
	records := []pendingRecord{{id: f.id, typ: DataNewFileName, payload: entryPayload}}
	if indexPayload != nil {
		records = append(records, pendingRecord{id: f.id, typ: DataBigFileIndex, payload: indexPayload})
	}

	written, err := parent.appendRecords(records)
	if err != nil {
		return err
	}

	f.entrySector, f.entryOff = written[0].sector, written[0].off
	if indexPayload != nil {
		f.indexSector, f.indexOff = written[1].sector, written[1].off
		f.hasIndex = true
	}

	return fio.cacheFlush()
}

// Close releases f's handle.
func (f *File) Close() error {
	delete(f.fs.openFiles, f.id)
	if parent, ok := f.fs.openDirs[f.parentID]; ok {
		parent.openChildren--
	}
	return nil
}

// Size returns the file's current byte length.
func (f *File) Size() uint32 { return f.size }
