package n2fs

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
)

// defaultEncoding is the byte order used for every byte-aligned,
// restruct-packed structure in this package (big-endian, matching the
// sector/record headers in head.go).
var defaultEncoding = binary.BigEndian

// Extent is one contiguous run of a big file's data, as stored in a
// DataBigFileIndex record (spec §4.7). A big file's full index is a
// sequence of these.
type Extent struct {
	Sector uint32
	Off    uint32
	Length uint32
}

const extentSize = 12

// encodeExtents packs a slice of extents into one record payload.
func encodeExtents(extents []Extent) ([]byte, error) {
	buf := make([]byte, 0, len(extents)*extentSize)

	for _, e := range extents {
		raw, err := restruct.Pack(defaultEncoding, &e)
		if err != nil {
			return nil, newErr(KindWrongCalc, "pack extent: %v", err)
		}
		buf = append(buf, raw...)
	}

	return buf, nil
}

// decodeExtents unpacks a DataBigFileIndex record payload back into
// extents.
func decodeExtents(payload []byte) ([]Extent, error) {
	if len(payload)%extentSize != 0 {
		return nil, newErr(KindCorrupt, "big-file index payload length %d not a multiple of %d", len(payload), extentSize)
	}

	n := len(payload) / extentSize
	extents := make([]Extent, n)

	for i := 0; i < n; i++ {
		var e Extent
		if err := restruct.Unpack(payload[i*extentSize:(i+1)*extentSize], defaultEncoding, &e); err != nil {
			return nil, newErr(KindCorrupt, "unpack extent %d: %v", i, err)
		}
		extents[i] = e
	}

	return extents, nil
}

// bigFileIndex is the in-RAM decoded form of a big file's extent list,
// giving byte-offset random access (spec §4.7 / Open Question 1).
type bigFileIndex struct {
	extents []Extent
}

func (bi *bigFileIndex) totalLength() uint32 {
	var n uint32
	for _, e := range bi.extents {
		n += e.Length
	}
	return n
}

// locate finds the extent covering byte offset, and the offset within
// that extent, for a read or an in-place overwrite.
func (bi *bigFileIndex) locate(offset uint32) (Extent, uint32, bool) {
	var base uint32
	for _, e := range bi.extents {
		if offset < base+e.Length {
			return e, offset - base, true
		}
		base += e.Length
	}
	return Extent{}, 0, false
}

// splice replaces the region [offset, offset+length) of the logical
// byte stream with a single new extent, splitting the extents at each
// boundary as needed. This is the index-side half of a big-file random
// write (spec §9 Open Question 1): the write always allocates fresh
// sectors for the overwritten range rather than reprogramming bits in
// place, since NOR can only clear bits, never set them, so an
// in-place partial overwrite of already-programmed payload bytes is
// not possible in general.
func (bi *bigFileIndex) splice(offset, length uint32, replacement Extent) {
	var result []Extent
	var base uint32
	spliceEnd := offset + length

	for _, e := range bi.extents {
		eStart, eEnd := base, base+e.Length

		switch {
		case eEnd <= offset || eStart >= spliceEnd:
			result = append(result, e)
		default:
			if eStart < offset {
				result = append(result, Extent{Sector: e.Sector, Off: e.Off, Length: offset - eStart})
			}
			if eEnd > spliceEnd {
				tailLen := eEnd - spliceEnd
				result = append(result, Extent{Sector: e.Sector, Off: e.Off + (e.Length - tailLen), Length: tailLen})
			}
		}

		base = eEnd
	}

	inserted := false
	var final []Extent
	base = 0
	for _, e := range result {
		if !inserted && base >= offset {
			final = append(final, replacement)
			inserted = true
		}
		final = append(final, e)
		base += e.Length
	}
	if !inserted {
		final = append(final, replacement)
	}

	bi.extents = final
}

// commitRecord is the superblock's DataCommit payload: the generation
// counter and root directory location that a completed mount-time
// commit makes durable (spec §4.9's commit protocol).
type commitRecord struct {
	Generation uint32
	RootID     uint16
	RootSector uint32
}

func encodeCommit(c commitRecord) ([]byte, error) {
	raw, err := restruct.Pack(defaultEncoding, &c)
	if err != nil {
		return nil, newErr(KindWrongCalc, "pack commit record: %v", err)
	}
	return raw, nil
}

func decodeCommit(payload []byte) (commitRecord, error) {
	var c commitRecord
	if err := restruct.Unpack(payload, defaultEncoding, &c); err != nil {
		return c, newErr(KindCorrupt, "unpack commit record: %v", err)
	}
	return c, nil
}

// configRecord is the superblock's DataSuperMessage payload: the
// geometry the filesystem was formatted with, persisted so a later
// Mount can catch a caller passing mismatched parameters for the same
// image (spec §4.9's wrongcfg check) instead of silently misreading
// the device.
type configRecord struct {
	SectorSize  uint32
	SectorCount uint32
	RegionCount uint32
	ReadSize    uint32
	ProgSize    uint32
}

func encodeConfig(c configRecord) ([]byte, error) {
	raw, err := restruct.Pack(defaultEncoding, &c)
	if err != nil {
		return nil, newErr(KindWrongCalc, "pack config record: %v", err)
	}
	return raw, nil
}

func decodeConfig(payload []byte) (configRecord, error) {
	var c configRecord
	if err := restruct.Unpack(payload, defaultEncoding, &c); err != nil {
		return c, newErr(KindCorrupt, "unpack config record: %v", err)
	}
	return c, nil
}

// mapAddrRecord locates a relocatable map store by its starting sector
// and size in sectors. The superblock's DataSectorMap and DataIDMap
// records share this shape (spec §4.3/§4.4/§4.9); the id-map record
// leaves Area at 0.
type mapAddrRecord struct {
	Sector uint32
	Area   uint32
}

func encodeMapAddr(m mapAddrRecord) ([]byte, error) {
	raw, err := restruct.Pack(defaultEncoding, &m)
	if err != nil {
		return nil, newErr(KindWrongCalc, "pack map-addr record: %v", err)
	}
	return raw, nil
}

func decodeMapAddr(payload []byte) (mapAddrRecord, error) {
	var m mapAddrRecord
	if err := restruct.Unpack(payload, defaultEncoding, &m); err != nil {
		return m, newErr(KindCorrupt, "unpack map-addr record: %v", err)
	}
	return m, nil
}
