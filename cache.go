package n2fs

import (
	"reflect"

	"github.com/dsoprea/go-logging"
)

// cacheLine is the in-RAM mirror of N2FS_cache_ram_t: a (sector, off,
// size) window into one sector plus a dirty flag.
type cacheLine struct {
	sector uint32
	off    uint32
	size   uint32
	dirty  bool
	buf    []byte
}

func newCacheLine(cacheSize uint32) *cacheLine {
	cl := &cacheLine{buf: make([]byte, cacheSize)}
	cl.reset()
	return cl
}

// reset drops the cache line's association with any sector and fills
// the buffer with 0xff, mirroring the unprogrammed state of NOR flash
// (N2FS_cache_one) so that a later read of untouched bytes behaves like
// a read of genuinely free flash.
func (cl *cacheLine) reset() {
	for i := range cl.buf {
		cl.buf[i] = 0xff
	}
	cl.sector = unwrittenWord
	cl.off = 0
	cl.size = 0
	cl.dirty = false
}

// flashIO is the byte-level I/O layer: a program cache (pcache) and a
// read cache (rcache) sitting in front of the Driver, per spec §4.2.
type flashIO struct {
	cfg    Config
	pcache *cacheLine
	rcache *cacheLine
}

func newFlashIO(cfg Config) *flashIO {
	return &flashIO{
		cfg:    cfg,
		pcache: newCacheLine(cfg.CacheSize),
		rcache: newCacheLine(cfg.CacheSize),
	}
}

func (fio *flashIO) checkBounds(sector, off, size uint32) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = asPanicErr(rec)
		}
	}()

	if sector >= fio.cfg.SectorCount || off+size > fio.cfg.SectorSize {
		return newErr(KindWrongCalc, "out-of-bounds flash access: sector=%d off=%d size=%d", sector, off, size)
	}

	return nil
}

func asPanicErr(rec interface{}) error {
	if err, ok := rec.(error); ok {
		return log.Wrap(err)
	}
	return log.Errorf("panic: %v (%s)", rec, reflect.TypeOf(rec))
}

// directRead bypasses both caches, going straight to the driver.
func (fio *flashIO) directRead(dst []byte, sector, off uint32) error {
	if err := fio.checkBounds(sector, off, uint32(len(dst))); err != nil {
		return err
	}
	return fio.cfg.Driver.Read(sector, off, dst)
}

// directProg bypasses both caches but invalidates any overlapping bytes
// cached in pcache/rcache, and when isDataHead is set performs the
// two-pass written-flag commit (spec §4.1/§4.2): program the payload,
// then re-program just the header word with the written bit cleared.
func (fio *flashIO) directProg(src []byte, sector, off uint32, isDataHead bool) error {
	if err := fio.checkBounds(sector, off, uint32(len(src))); err != nil {
		return err
	}

	if err := fio.cfg.Driver.Prog(sector, off, src); err != nil {
		return err
	}

	fio.invalidate(sector, off, uint32(len(src)))

	if isDataHead {
		return fio.commitHeadAt(sector, off)
	}

	return nil
}

// commitHeadAt re-reads the 4-byte header already programmed at
// (sector, off), clears its written-flag bit, and re-programs just that
// word — the second pass of the two-pass record commit protocol.
func (fio *flashIO) commitHeadAt(sector, off uint32) error {
	var raw [4]byte
	if err := fio.cfg.Driver.Read(sector, off, raw[:]); err != nil {
		return err
	}

	h := beUint32(raw[:])
	if h == unwrittenWord {
		return nil
	}

	h &= dataWrittenMask
	putBeUint32(raw[:], h)

	if err := fio.cfg.Driver.Prog(sector, off, raw[:]); err != nil {
		return err
	}

	fio.invalidate(sector, off, 4)
	return nil
}

// invalidate drops any pcache/rcache bytes overlapping [off, off+size)
// of sector, since directProg just changed flash underneath them.
func (fio *flashIO) invalidate(sector, off, size uint32) {
	for _, cl := range [...]*cacheLine{fio.pcache, fio.rcache} {
		if cl.sector == sector && overlaps(cl.off, cl.size, off, size) {
			cl.reset()
		}
	}
}

func overlaps(aOff, aSize, bOff, bSize uint32) bool {
	return aOff < bOff+bSize && bOff < aOff+aSize
}

// cacheRead satisfies a read from pcache first, then rcache, then falls
// through to a direct flash read (which repopulates rcache for locality
// the way N2FS_cache_read does).
func (fio *flashIO) cacheRead(dst []byte, sector, off uint32) error {
	if err := fio.checkBounds(sector, off, uint32(len(dst))); err != nil {
		return err
	}

	remaining := dst
	curOff := off

	for len(remaining) > 0 {
		if n := fio.copyFromLine(fio.pcache, remaining, sector, curOff); n > 0 {
			remaining = remaining[n:]
			curOff += uint32(n)
			continue
		}

		if n := fio.copyFromLine(fio.rcache, remaining, sector, curOff); n > 0 {
			remaining = remaining[n:]
			curOff += uint32(n)
			continue
		}

		// Nothing cached at curOff: read one cache-line's worth directly
		// and let the next loop iteration pick up from the cache so
		// repeated reads of the same region don't keep hitting flash.
		readLen := uint32(len(remaining))
		if readLen > fio.cfg.CacheSize {
			readLen = fio.cfg.CacheSize
		}

		if err := fio.readToCache(fio.rcache, sector, curOff, readLen); err != nil {
			return err
		}
	}

	return nil
}

// copyFromLine copies as much of dst as is available starting at
// (sector, off) from cl, returning the number of bytes copied (0 if
// nothing in cl covers that position).
func (fio *flashIO) copyFromLine(cl *cacheLine, dst []byte, sector, off uint32) int {
	if cl.sector != sector || off < cl.off || off >= cl.off+cl.size {
		return 0
	}

	avail := cl.off + cl.size - off
	n := uint32(len(dst))
	if n > avail {
		n = avail
	}

	copy(dst[:n], cl.buf[off-cl.off:off-cl.off+n])
	return int(n)
}

// readToCache forces cl to hold exactly [off, off+size) of sector,
// stitching in any not-yet-flushed pcache bytes so the caller observes
// the in-memory-committed state (spec §4.2).
func (fio *flashIO) readToCache(cl *cacheLine, sector, off, size uint32) error {
	if cl.sector == sector && cl.off == off && cl.size == size {
		return nil
	}

	if err := fio.checkBounds(sector, off, size); err != nil {
		return err
	}

	if err := fio.directRead(cl.buf[:size], sector, off); err != nil {
		return err
	}

	cl.sector = sector
	cl.off = off
	cl.size = size
	cl.dirty = false

	if fio.pcache.sector == sector && overlaps(fio.pcache.off, fio.pcache.size, off, size) {
		lo := maxU32(off, fio.pcache.off)
		hi := minU32(off+size, fio.pcache.off+fio.pcache.size)
		copy(cl.buf[lo-off:hi-off], fio.pcache.buf[lo-fio.pcache.off:hi-fio.pcache.off])
	}

	return nil
}

// cacheProg appends to pcache when (sector, off) is contiguous with its
// current extent; otherwise it flushes pcache and begins a new extent
// at (sector, off), per spec §4.2.
func (fio *flashIO) cacheProg(src []byte, sector, off uint32) error {
	if err := fio.checkBounds(sector, off, uint32(len(src))); err != nil {
		return err
	}

	remaining := src
	curOff := off

	for len(remaining) > 0 {
		pc := fio.pcache

		if pc.sector == sector && curOff == pc.off+pc.size && pc.size < fio.cfg.CacheSize {
			n := fio.cfg.CacheSize - pc.size
			if n > uint32(len(remaining)) {
				n = uint32(len(remaining))
			}

			copy(pc.buf[pc.size:pc.size+n], remaining[:n])
			pc.size += n
			pc.dirty = true

			remaining = remaining[n:]
			curOff += n

			if pc.size >= fio.cfg.CacheSize {
				if err := fio.cacheFlush(); err != nil {
					return err
				}
			}
			continue
		}

		if pc.sector != unwrittenWord {
			if err := fio.cacheFlush(); err != nil {
				return err
			}
		}

		pc.sector = sector
		pc.off = curOff
		pc.size = 0
	}

	return nil
}

// cacheFlush writes the buffered pcache bytes to flash, then re-
// programs every record header inside the flushed range with its
// written-flag cleared (the second commit pass), then clears dirty.
// Idempotent: a pcache with nothing dirty is a no-op.
func (fio *flashIO) cacheFlush() error {
	pc := fio.pcache

	if pc.sector == unwrittenWord || !pc.dirty {
		return nil
	}

	if err := fio.cfg.Driver.Prog(pc.sector, pc.off, pc.buf[:pc.size]); err != nil {
		return err
	}

	if err := fio.commitHeadersIn(pc.sector, pc.off, pc.buf[:pc.size]); err != nil {
		return err
	}

	if fio.rcache.sector == pc.sector && overlaps(fio.rcache.off, fio.rcache.size, pc.off, pc.size) {
		fio.rcache.reset()
	}

	pc.reset()
	return nil
}

// commitHeadersIn walks buf as a sequence of 4-byte-header + payload
// records (the layout of an appended run inside a dir/super sector) and
// re-programs each record header's written-flag bit to 0, mirroring
// N2FS_cache_writen_flag. The 4-byte sector header at offset 0 is
// skipped; it is committed by the space manager, not the record layer.
func (fio *flashIO) commitHeadersIn(sector, baseOff uint32, buf []byte) error {
	i := uint32(0)

	if baseOff == 0 {
		// Sector headers are not two-pass committed the way records
		// are; the space manager writes them fully formed.
		i = 4
	}

	for i+4 <= uint32(len(buf)) {
		h := beUint32(buf[i : i+4])
		if h == unwrittenWord {
			break
		}

		length := uint32(DataHeadLength(h))
		if length < 4 || i+length > uint32(len(buf)) {
			break
		}

		committed := h & dataWrittenMask
		putBeUint32(buf[i:i+4], committed)

		var raw [4]byte
		putBeUint32(raw[:], committed)
		if err := fio.cfg.Driver.Prog(sector, baseOff+i, raw[:]); err != nil {
			return err
		}

		i += length
	}

	return nil
}

// headValidate ANDs mask into the 32-bit header word at (sector, off),
// the only mutation allowed on an already-programmed header (state
// transitions, deletes). It must observe both caches so a subsequent
// read sees the flip.
func (fio *flashIO) headValidate(sector, off uint32, mask uint32) error {
	var raw [4]byte
	if err := fio.cacheRead(raw[:], sector, off); err != nil {
		return err
	}

	h := beUint32(raw[:]) & mask
	putBeUint32(raw[:], h)

	if err := fio.cfg.Driver.Prog(sector, off, raw[:]); err != nil {
		return err
	}

	fio.invalidate(sector, off, 4)
	return nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBeUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
