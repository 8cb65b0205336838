package n2fs

// RAM tree cache: a best-effort acceleration structure mapping
// (parent directory id, child name) to the child's id/sector/kind, so
// repeated lookups in the same directory don't re-walk its sector log
// every time (spec §4.8). Short names are kept inline for exact
// disambiguation; names longer than EntryNameLen are trusted to their
// DJB2 hash alone: lookup returns the first hash-only entry stored under
// the same parent and hash without reading the name back from flash, so
// two long names whose hashes collide under one parent both resolve to
// whichever was inserted first. A cache miss falls back to
// dtraverseName against the actual directory log.

type treeKey struct {
	parentID uint16
	hash     uint32
}

type treeEntry struct {
	name    string // only set when the name fit inline
	childID uint16
	sector  uint32
	isDir   bool
}

type treeCache struct {
	buckets map[treeKey][]*treeEntry
}

func newTreeCache() *treeCache {
	return &treeCache{buckets: make(map[treeKey][]*treeEntry)}
}

func djb2(s string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}

func (tc *treeCache) lookup(parentID uint16, name string) (*treeEntry, bool) {
	key := treeKey{parentID, djb2(name)}

	for _, e := range tc.buckets[key] {
		if len(name) <= EntryNameLen {
			if e.name == name {
				return e, true
			}
			continue
		}

		if e.name == "" {
			return e, true
		}
	}

	return nil, false
}

func (tc *treeCache) insert(parentID uint16, name string, childID uint16, sector uint32, isDir bool) {
	key := treeKey{parentID, djb2(name)}

	e := &treeEntry{childID: childID, sector: sector, isDir: isDir}
	if len(name) <= EntryNameLen {
		e.name = name
	}

	tc.buckets[key] = append(tc.buckets[key], e)
}

// invalidate drops the cache entry for exactly (parentID, name), used
// when a child is removed, renamed, or its sector changes after a GC.
func (tc *treeCache) invalidate(parentID uint16, name string) {
	key := treeKey{parentID, djb2(name)}
	list := tc.buckets[key]

	out := list[:0]
	for _, e := range list {
		inlineMatch := len(name) <= EntryNameLen && e.name == name
		hashOnlyMatch := len(name) > EntryNameLen && e.name == ""
		if inlineMatch || hashOnlyMatch {
			continue
		}
		out = append(out, e)
	}

	if len(out) == 0 {
		delete(tc.buckets, key)
	} else {
		tc.buckets[key] = out
	}
}

// invalidateParent drops every cached child of parentID, used when that
// directory's chain is compacted (Dir.compactChain) or one of its child
// entries is rewritten (N2FS.updateChildSector).
func (tc *treeCache) invalidateParent(parentID uint16) {
	for k := range tc.buckets {
		if k.parentID == parentID {
			delete(tc.buckets, k)
		}
	}
}
