package n2fs

// Head codec: pack/unpack the 32-bit sector and data (record) headers
// described in spec §4.1, grounded directly on N2FS_head.c's bit macros.
//
//	sector head  [valid:1][state:4][type:3][extension:6][erase_count:18]
//	data head    [valid:1][written:1][owner_id:13][type:5][length:12]
//
// 0xFFFFFFFF is the unwritten-word sentinel (free NOR flash), 0x00000000
// is never a legal header and always signals corruption.

const (
	unwrittenWord uint32 = 0xffffffff

	shValidMask     uint32 = 0x80000000
	shStateMask     uint32 = 0x78000000
	shStateShift           = 27
	shTypeMask      uint32 = 0x07000000
	shTypeShift            = 24
	shExtensionMask uint32 = 0x00fc0000
	shExtShift             = 18
	shEraseMask     uint32 = 0x0003ffff

	dhValidMask   uint32 = 0x80000000
	dhWrittenMask uint32 = 0x40000000
	dhIDMask      uint32 = 0x3ffe0000
	dhIDShift            = 17
	dhTypeMask    uint32 = 0x0001f000
	dhTypeShift          = 12
	dhLengthMask  uint32 = 0x00000fff
)

// SectorState is the 4-bit sector lifecycle state.
type SectorState uint8

const (
	StateOld        SectorState = 0x0
	StateUsing      SectorState = 0x1
	StateAllocating SectorState = 0x3
	StateGC         SectorState = 0x7
	StateWL         SectorState = 0xb
	StateFree       SectorState = 0xf
)

// SectorType is the 3-bit sector role.
type SectorType uint8

const (
	SectorSuper   SectorType = 0x0
	SectorDir     SectorType = 0x1
	SectorBigFile SectorType = 0x2
	SectorWL      SectorType = 0x4
	SectorMap     SectorType = 0x5
	SectorReserve SectorType = 0x6
	SectorNotSure SectorType = 0x7
)

// RegionType is an in-RAM-only classification of a region (not a sector
// header field: 3 bits can't hold a distinct "meta" tag), used by the
// space manager's region map.
type RegionType uint8

const (
	RegionDir RegionType = iota
	RegionBigFile
	RegionMeta
	RegionReserved
)

// DataType is the 5-bit record role.
type DataType uint8

const (
	DataDelete        DataType = 0x00
	DataDirChain      DataType = 0x0d
	DataDirOldSpace   DataType = 0x09
	DataSmallFileData DataType = 0x0a
	DataBigFileIndex  DataType = 0x0b
	DataFileName      DataType = 0x0c
	DataNewFileName   DataType = 0x13
	DataDirName       DataType = 0x0e
	DataNewDirName    DataType = 0x14
	DataTreeAddr      DataType = 0x15
	DataWLAddr        DataType = 0x16
	DataRegionMap     DataType = 0x17
	DataIDMap         DataType = 0x18
	DataSectorMap     DataType = 0x19
	DataMagic         DataType = 0x1c
	DataCommit        DataType = 0x1d
	DataSuperMessage  DataType = 0x1e
	DataFree          DataType = 0x1f
)

// MakeSectorHead packs a sector header. The valid bit is always
// programmed valid (0) — a header is only ever constructed to be
// written immediately.
func MakeSectorHead(state SectorState, typ SectorType, extension uint8, eraseCount uint32) uint32 {
	return (uint32(state) << shStateShift & shStateMask) |
		(uint32(typ) << shTypeShift & shTypeMask) |
		(uint32(extension) << shExtShift & shExtensionMask) |
		(eraseCount & shEraseMask)
}

// SectorHeadUnwritten reports whether the word is the all-ones unwritten
// sentinel.
func SectorHeadUnwritten(h uint32) bool { return h == unwrittenWord }

// SectorHeadValid reports whether the valid bit indicates a legitimately
// programmed header (0x00000000 is never valid).
func SectorHeadValid(h uint32) bool {
	return h != 0 && h&shValidMask == 0
}

func SectorHeadState(h uint32) SectorState {
	return SectorState((h & shStateMask) >> shStateShift)
}

func SectorHeadType(h uint32) SectorType {
	return SectorType((h & shTypeMask) >> shTypeShift)
}

func SectorHeadExtension(h uint32) uint8 {
	return uint8((h & shExtensionMask) >> shExtShift)
}

func SectorHeadEraseCount(h uint32) uint32 {
	return h & shEraseMask
}

// sectorStateMask returns the AND-mask that transitions a sector header
// to the given target state, clearing every bit of the state field that
// target has as 0 and leaving the rest of the header untouched. It is
// the caller's responsibility to ensure the transition is a legal
// monotone 1->0 flip (i.e. that every bit cleared was actually a 1 in
// the current sequence: free->allocating->using->old, or the
// gc/wl side branches).
func sectorStateMask(target SectorState) uint32 {
	return 0x87ffffff | (uint32(target) << shStateShift)
}

// CheckSectorHead classifies a sector header against an expected state
// and type, per spec §4.1. A zero value for expectState/expectType
// (pass matchState=false/matchType=false) skips that check, mirroring
// N2FS_shead_check's use of N2FS_NULL to mean "don't care".
func CheckSectorHead(h uint32, expectState SectorState, matchState bool, expectType SectorType, matchType bool) Kind {
	if SectorHeadUnwritten(h) {
		return KindOK
	}

	if !SectorHeadValid(h) {
		return KindWrongHead
	}

	if matchState && SectorHeadState(h) != expectState {
		return KindWrongHead
	}

	if matchType && SectorHeadType(h) != expectType {
		return KindWrongHead
	}

	return KindOK
}

// MakeDataHead packs a record (data) header. notWritten=true means the
// record is freshly appended and NOT yet committed (written-flag bit
// set); the second programming pass clears it via dataWrittenMask.
func MakeDataHead(notWritten bool, id uint16, typ DataType, length uint16) uint32 {
	h := (uint32(id) << dhIDShift & dhIDMask) |
		(uint32(typ) << dhTypeShift & dhTypeMask) |
		(uint32(length) & dhLengthMask)
	if notWritten {
		h |= dhWrittenMask
	}
	return h
}

func DataHeadUnwritten(h uint32) bool { return h == unwrittenWord }

func DataHeadValid(h uint32) bool {
	return h != 0 && h&dhValidMask == 0
}

// DataHeadCommitted reports whether the written-flag has been cleared,
// i.e. the record's payload is durable per the two-pass commit protocol.
func DataHeadCommitted(h uint32) bool {
	return h&dhWrittenMask == 0
}

func DataHeadID(h uint32) uint16 {
	return uint16((h & dhIDMask) >> dhIDShift)
}

func DataHeadType(h uint32) DataType {
	return DataType((h & dhTypeMask) >> dhTypeShift)
}

func DataHeadLength(h uint32) uint16 {
	return uint16(h & dhLengthMask)
}

// dataWrittenMask clears the written-flag bit, completing the two-pass
// commit protocol (spec §4.1, N2FS_DHEAD_WRITTEN_SET).
const dataWrittenMask uint32 = 0xbfffffff

// dataTypeMask returns the AND-mask that reprograms the type field to
// target, clearing whichever bits target has as 0. Used by deletion
// (target=DataDelete) and by any other in-place type demotion.
func dataTypeMask(target DataType) uint32 {
	return 0xfffe0fff | (uint32(target) << dhTypeShift)
}

// CheckDataHead classifies a record header against an expected id and
// type, per spec §4.1 / N2FS_dhead_check. matchID/matchType=false skips
// that check.
func CheckDataHead(h uint32, expectID uint16, matchID bool, expectType DataType, matchType bool) Kind {
	if DataHeadUnwritten(h) {
		return KindOK
	}

	if !DataHeadValid(h) || !DataHeadCommitted(h) {
		return KindWrongHead
	}

	if matchID && DataHeadID(h) != expectID {
		return KindWrongHead
	}

	if matchType && DataHeadType(h) != expectType {
		return KindWrongHead
	}

	return KindOK
}
