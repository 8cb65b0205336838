package n2fs

// Directory traversal: decode the live child entries out of a
// directory's sector log and compact it when it fills up (spec §4.5 /
// §4.3's reclaim path). A directory's entries are no longer bounded to
// a single sector: once its active (tail) sector has no room left for
// another record, the directory grows a linked chain of sectors
// instead, each one carrying a DataDirChain record as its very first
// entry pointing back at the sector that preceded it (prevSector == 0
// marks the oldest sector in the chain, since sector 0 is always one
// of the two superblock sectors and can never itself hold a directory
// chain link). dtraverseDir walks the whole chain transparently;
// dtraverseGC compacts every live record across the whole chain onto
// one fresh sector once accumulated reclaimable space passes the
// GC-gating threshold (spec §4.5's old_space rule).

import (
	"sort"

	"github.com/go-restruct/restruct"
)

// entryMeta is the fixed-size header of a directory-entry record. The
// child's name follows it in the payload, and for a small file its
// inline data follows the name (spec §4.6's small-file storage).
type entryMeta struct {
	ChildID  uint16
	ParentID uint16
	Size     uint32
	// ChildSector is, for a subdirectory entry, the current TAIL sector
	// of that child's own chain (the only sector from which the whole
	// chain can be discovered, since the chain links only run backward
	// from tail to head). It is 0 for a file entry, whose data and
	// entry record live in the parent's own chain instead.
	ChildSector uint32
	NameLen     uint8
}

const entryMetaSize = 13

func encodeEntry(meta entryMeta, name string, inline []byte) ([]byte, error) {
	meta.NameLen = uint8(len(name))

	raw, err := restruct.Pack(defaultEncoding, &meta)
	if err != nil {
		return nil, newErr(KindWrongCalc, "pack dir entry: %v", err)
	}

	buf := append(raw, []byte(name)...)
	return append(buf, inline...), nil
}

func decodeEntry(payload []byte) (meta entryMeta, name string, inline []byte, err error) {
	if len(payload) < entryMetaSize {
		return entryMeta{}, "", nil, newErr(KindCorrupt, "dir entry payload too short: %d bytes", len(payload))
	}

	if err := restruct.Unpack(payload[:entryMetaSize], defaultEncoding, &meta); err != nil {
		return entryMeta{}, "", nil, newErr(KindCorrupt, "unpack dir entry: %v", err)
	}

	rest := payload[entryMetaSize:]
	if uint32(meta.NameLen) > uint32(len(rest)) {
		return entryMeta{}, "", nil, newErr(KindCorrupt, "dir entry name length %d exceeds payload", meta.NameLen)
	}

	name = string(rest[:meta.NameLen])
	inline = rest[meta.NameLen:]
	return meta, name, inline, nil
}

// liveEntry is one decoded, still-live directory entry together with
// the physical sector and offset its record occupies right now (needed
// to delete or supersede it in place).
type liveEntry struct {
	sector uint32
	off    uint32
	meta   entryMeta
	name   string
	inline []byte
	isDir  bool
}

// liveIndex is a big file's separate extent-index record.
type liveIndex struct {
	sector  uint32
	off     uint32
	id      uint16
	extents []Extent
}

// dirChainLinkPayloadSize is the fixed 4-byte prevSector field of a
// DataDirChain record.
const dirChainLinkPayloadSize = 4

// writeDirChainLink appends the chain-link record that must be the
// first record of every directory sector, recording which sector (if
// any) precedes it in the chain. prevSector 0 marks the chain's oldest
// sector.
func writeDirChainLink(fio *flashIO, sector uint32, prevSector uint32) (uint32, error) {
	var payload [dirChainLinkPayloadSize]byte
	putBeUint32(payload[:], prevSector)
	return appendRecord(fio, sector, recordHeaderSize, 0, DataDirChain, payload[:])
}

// readChainPrev reads a sector's leading DataDirChain record, if any,
// and returns the sector it points back to.
func readChainPrev(fio *flashIO, sector uint32, sectorSize uint32) (uint32, bool, error) {
	rw := newRecordWalker(fio, sector, sectorSize)

	head, payloadOff, _, ok, err := rw.next()
	if err != nil {
		return 0, false, err
	}
	if !ok || DataHeadType(head) != DataDirChain {
		return 0, false, nil
	}

	recordOff := payloadOff - recordHeaderSize
	payload, err := readRecord(fio, sector, recordOff, head)
	if err != nil {
		return 0, false, err
	}
	if len(payload) < dirChainLinkPayloadSize {
		return 0, false, newErr(KindCorrupt, "dir chain link payload too short at sector=%d", sector)
	}

	return beUint32(payload), true, nil
}

// dirChainSectors walks a directory's chain backward from its current
// tail sector and returns every sector in it, tail-first.
func dirChainSectors(fio *flashIO, tailSector uint32, sectorSize uint32) ([]uint32, error) {
	var sectors []uint32

	cur := tailSector
	for {
		sectors = append(sectors, cur)

		prev, ok, err := readChainPrev(fio, cur, sectorSize)
		if err != nil {
			return nil, err
		}
		if !ok || prev == 0 {
			return sectors, nil
		}
		cur = prev
	}
}

// encodeDirOldSpace/decodeDirOldSpace pack the dir-old-space-hint record
// (DataDirOldSpace, spec §4.9), a directory's best-effort reclaimable-byte
// count persisted at Close so a later reopen within the same mount can
// pick up GC-gating where the previous handle left off.
func encodeDirOldSpace(n uint32) []byte {
	var payload [4]byte
	putBeUint32(payload[:], n)
	return payload[:]
}

func decodeDirOldSpace(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, newErr(KindCorrupt, "dir old-space hint payload too short")
	}
	return beUint32(payload[:4]), nil
}

// dtraverseDir decodes every live directory entry and big-file index
// record across a directory's whole chain, starting from its tail
// sector.
func dtraverseDir(fio *flashIO, tailSector uint32, sectorSize uint32) ([]liveEntry, []liveIndex, error) {
	sectors, err := dirChainSectors(fio, tailSector, sectorSize)
	if err != nil {
		return nil, nil, err
	}

	var entries []liveEntry
	var indexes []liveIndex

	for _, sector := range sectors {
		rw := newRecordWalker(fio, sector, sectorSize)
		for {
			head, payloadOff, _, ok, err := rw.next()
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				break
			}

			typ := DataHeadType(head)
			recordOff := payloadOff - recordHeaderSize

			switch typ {
			case DataDirName, DataNewDirName, DataFileName, DataNewFileName:
				payload, err := readRecord(fio, sector, recordOff, head)
				if err != nil {
					return nil, nil, err
				}

				meta, name, inline, err := decodeEntry(payload)
				if err != nil {
					return nil, nil, err
				}

				entries = append(entries, liveEntry{
					sector: sector,
					off:    recordOff,
					meta:   meta,
					name:   name,
					inline: inline,
					isDir:  typ == DataDirName || typ == DataNewDirName,
				})

			case DataBigFileIndex:
				payload, err := readRecord(fio, sector, recordOff, head)
				if err != nil {
					return nil, nil, err
				}

				extents, err := decodeExtents(payload)
				if err != nil {
					return nil, nil, err
				}

				indexes = append(indexes, liveIndex{sector: sector, off: recordOff, id: DataHeadID(head), extents: extents})
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries, indexes, nil
}

func dtraverseName(fio *flashIO, tailSector uint32, sectorSize uint32, name string) (liveEntry, bool, error) {
	entries, _, err := dtraverseDir(fio, tailSector, sectorSize)
	if err != nil {
		return liveEntry{}, false, err
	}

	for _, e := range entries {
		if e.name == name {
			return e, true, nil
		}
	}

	return liveEntry{}, false, nil
}

func dtraverseIndex(fio *flashIO, tailSector uint32, sectorSize uint32, id uint16) (liveIndex, bool, error) {
	_, indexes, err := dtraverseDir(fio, tailSector, sectorSize)
	if err != nil {
		return liveIndex{}, false, err
	}

	for _, idx := range indexes {
		if idx.id == id {
			return idx, true, nil
		}
	}

	return liveIndex{}, false, nil
}

// dirSectorEnd returns the offset just past the last record in one
// sector's own log, for deciding whether another record of a given
// size would fit in that sector specifically (room checks only ever
// apply to the chain's current tail sector, never the whole chain).
func dirSectorEnd(fio *flashIO, sector uint32, sectorSize uint32) (uint32, error) {
	rw := newRecordWalker(fio, sector, sectorSize)
	for {
		_, _, _, ok, err := rw.next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
	}
	return rw.off, nil
}

// movedRecord is where dtraverseGC relocated one file's entry (and,
// for a big file, its index) record to, so any open File handle for
// that id can be refreshed instead of left pointing at a retired
// sector (spec §4.3's reclaim path must not orphan an open handle).
type movedRecord struct {
	entrySector uint32
	entryOff    uint32

	hasIndex    bool
	indexSector uint32
	indexOff    uint32
}

// dtraverseGC compacts a directory's entire chain onto one freshly
// allocated sector, carrying every still-live entry and big-file index
// forward, then retires every sector the old chain spanned (spec
// §4.3's sector reclaim path, extended to a multi-sector directory).
func dtraverseGC(fs *N2FS, tailSector uint32) (uint32, map[uint16]movedRecord, error) {
	entries, indexes, err := dtraverseDir(fs.fio, tailSector, fs.cfg.SectorSize)
	if err != nil {
		return 0, nil, err
	}

	chain, err := dirChainSectors(fs.fio, tailSector, fs.cfg.SectorSize)
	if err != nil {
		return 0, nil, err
	}

	sectors, err := fs.space.alloc(SectorDir, 1)
	if err != nil {
		return 0, nil, err
	}
	newSector := sectors[0]

	off, err := writeDirChainLink(fs.fio, newSector, 0)
	if err != nil {
		return 0, nil, err
	}

	moved := make(map[uint16]movedRecord)

	for _, e := range entries {
		typ := DataFileName
		if e.isDir {
			typ = DataDirName
		}

		payload, err := encodeEntry(e.meta, e.name, e.inline)
		if err != nil {
			return 0, nil, err
		}

		entrySector, entryOff := newSector, off
		off, err = appendRecord(fs.fio, newSector, off, e.meta.ChildID, typ, payload)
		if err != nil {
			return 0, nil, err
		}

		if !e.isDir {
			m := moved[e.meta.ChildID]
			m.entrySector, m.entryOff = entrySector, entryOff
			moved[e.meta.ChildID] = m
		}
	}

	for _, idx := range indexes {
		payload, err := encodeExtents(idx.extents)
		if err != nil {
			return 0, nil, err
		}

		idxSector, idxOff := newSector, off
		off, err = appendRecord(fs.fio, newSector, off, idx.id, DataBigFileIndex, payload)
		if err != nil {
			return 0, nil, err
		}

		m := moved[idx.id]
		m.hasIndex = true
		m.indexSector, m.indexOff = idxSector, idxOff
		moved[idx.id] = m
	}

	if err := fs.fio.cacheFlush(); err != nil {
		return 0, nil, err
	}

	for _, s := range chain {
		if err := markSectorOld(fs.fio, s); err != nil {
			return 0, nil, err
		}
		if err := fs.space.emapSet(s, 1); err != nil {
			return 0, nil, err
		}
	}

	return newSector, moved, nil
}
