package n2fs

// Record layer: encode/append/delete the header+payload records that
// make up a directory sector's append-only log (spec §4.1/§4.5). This
// is the layer dir.go, file.go and traverse.go all build on; it knows
// nothing about directory semantics, only how a record is laid out and
// committed.

const recordHeaderSize = 4

// maxRecordLength is the largest value the 12-bit length field can
// hold, including the 4-byte header itself.
const maxRecordLength = 0xfff

// encodeRecord packs a record header plus payload into one buffer,
// ready for a single cacheProg call. The written-flag starts set (not
// yet committed); flashIO clears it on the next cacheFlush, completing
// the two-pass commit (spec §4.1).
func encodeRecord(id uint16, typ DataType, payload []byte) ([]byte, error) {
	length := recordHeaderSize + len(payload)
	if length > maxRecordLength {
		return nil, newErr(KindWrongCalc, "record too large: %d bytes", length)
	}

	buf := make([]byte, length)
	head := MakeDataHead(true, id, typ, uint16(length))
	putBeUint32(buf[:4], head)
	copy(buf[4:], payload)

	return buf, nil
}

// appendRecord writes one record at (sector, off) and returns the
// offset just past it, for the caller to chain the next append.
func appendRecord(fio *flashIO, sector, off uint32, id uint16, typ DataType, payload []byte) (uint32, error) {
	buf, err := encodeRecord(id, typ, payload)
	if err != nil {
		return off, err
	}

	if err := fio.cacheProg(buf, sector, off); err != nil {
		return off, err
	}

	return off + uint32(len(buf)), nil
}

// readRecordHead reads just the 4-byte header at (sector, off).
func readRecordHead(fio *flashIO, sector, off uint32) (uint32, error) {
	var raw [4]byte
	if err := fio.cacheRead(raw[:], sector, off); err != nil {
		return 0, err
	}
	return beUint32(raw[:]), nil
}

// recordLength reads just a record's header and returns its total
// on-flash length (header plus payload), for callers that need to size
// a reclaim without decoding the payload itself.
func recordLength(fio *flashIO, sector, off uint32) (uint32, error) {
	head, err := readRecordHead(fio, sector, off)
	if err != nil {
		return 0, err
	}
	return uint32(DataHeadLength(head)), nil
}

// readRecord reads a full record's payload, given its header is
// already known to be valid and committed.
func readRecord(fio *flashIO, sector, off uint32, head uint32) ([]byte, error) {
	length := uint32(DataHeadLength(head))
	if length < recordHeaderSize {
		return nil, newErr(KindCorrupt, "record length %d too small at sector=%d off=%d", length, sector, off)
	}

	payload := make([]byte, length-recordHeaderSize)
	if len(payload) == 0 {
		return payload, nil
	}

	if err := fio.cacheRead(payload, sector, off+recordHeaderSize); err != nil {
		return nil, err
	}

	return payload, nil
}

// deleteRecord flips a record's type field to DataDelete in place,
// preserving its length so the traversal loop can still step over it
// (spec §4.1's bit-flip deletion).
func deleteRecord(fio *flashIO, sector, off uint32) error {
	return fio.headValidate(sector, off, dataTypeMask(DataDelete))
}

// markSectorOld transitions a sector header to the old state, the
// terminal state a dir/big-file sector reaches once every record in it
// has been superseded or deleted and garbage collection may reclaim it.
func markSectorOld(fio *flashIO, sector uint32) error {
	return fio.headValidate(sector, 0, sectorStateMask(StateOld))
}

// markSectorState transitions a sector header's state field to target,
// for any other legal monotone transition (allocating->using, etc).
func markSectorState(fio *flashIO, sector uint32, target SectorState) error {
	return fio.headValidate(sector, 0, sectorStateMask(target))
}

// recordWalker iterates the header+payload records of a sector
// starting just after the 4-byte sector header, stopping at the first
// unwritten word (the end of the log so far) or a corrupt length.
type recordWalker struct {
	fio    *flashIO
	sector uint32
	off    uint32
	end    uint32
}

func newRecordWalker(fio *flashIO, sector uint32, sectorSize uint32) *recordWalker {
	return &recordWalker{fio: fio, sector: sector, off: recordHeaderSize, end: sectorSize}
}

// next returns the header, the record's payload offset, and its total
// on-flash length; ok is false once the log is exhausted.
func (rw *recordWalker) next() (head uint32, payloadOff uint32, length uint32, ok bool, err error) {
	if rw.off+recordHeaderSize > rw.end {
		return 0, 0, 0, false, nil
	}

	head, err = readRecordHead(rw.fio, rw.sector, rw.off)
	if err != nil {
		return 0, 0, 0, false, err
	}

	if DataHeadUnwritten(head) {
		return 0, 0, 0, false, nil
	}

	if !DataHeadValid(head) {
		return 0, 0, 0, false, newErr(KindCorrupt, "bad record header at sector=%d off=%d", rw.sector, rw.off)
	}

	length = uint32(DataHeadLength(head))
	if length < recordHeaderSize || rw.off+length > rw.end {
		return 0, 0, 0, false, newErr(KindCorrupt, "record length %d out of range at sector=%d off=%d", length, rw.sector, rw.off)
	}

	payloadOff = rw.off + recordHeaderSize
	rw.off += length

	return head, payloadOff, length, true, nil
}
