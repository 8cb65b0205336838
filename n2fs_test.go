package n2fs

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig(driver Driver) Config {
	return Config{
		Driver:      driver,
		ReadSize:    4,
		ProgSize:    4,
		SectorSize:  256,
		SectorCount: 64,
		CacheSize:   16,
		RegionCount: 4,
	}
}

func TestFormatMount_RoundTrip(t *testing.T) {
	driver := NewMemDriver(64, 256)

	fs, err := Format(testConfig(driver))
	require.NoError(t, err)
	require.NoError(t, fs.Unmount())

	fs2, err := Mount(testConfig(driver))
	require.NoError(t, err)

	require.Equal(t, idRoot, fs2.RootID())
	require.NoError(t, fs2.Unmount())
}

func TestMkdirAndCreate(t *testing.T) {
	driver := NewMemDriver(64, 256)

	fs, err := Format(testConfig(driver))
	require.NoError(t, err)

	root, err := fs.OpenRoot()
	require.NoError(t, err)

	require.NoError(t, root.Mkdir("docs"))
	require.NoError(t, root.Create("readme.txt"))

	entries, err := root.Readdir()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.NoError(t, root.Close())
	require.NoError(t, fs.Unmount())
}

func TestSmallFileWriteReadRoundTrip(t *testing.T) {
	driver := NewMemDriver(64, 256)

	fs, err := Format(testConfig(driver))
	require.NoError(t, err)

	root, err := fs.OpenRoot()
	require.NoError(t, err)

	require.NoError(t, root.Create("a.txt"))

	f, err := fs.OpenFile(root, "a.txt")
	require.NoError(t, err)

	data := []byte("hello n2fs")
	n, err := f.WriteAt(data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	buf := make([]byte, len(data))
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, data, buf)

	require.NoError(t, f.Close())
	require.NoError(t, root.Close())
	require.NoError(t, fs.Unmount())
}

func TestBigFileConversionAndMultiExtentRead(t *testing.T) {
	driver := NewMemDriver(64, 256)

	fs, err := Format(testConfig(driver))
	require.NoError(t, err)

	root, err := fs.OpenRoot()
	require.NoError(t, err)

	require.NoError(t, root.Create("big.bin"))

	f, err := fs.OpenFile(root, "big.bin")
	require.NoError(t, err)

	data := make([]byte, 600)
	for i := range data {
		data[i] = byte(i)
	}

	_, err = f.WriteAt(data, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(len(data)), f.Size())

	buf := make([]byte, len(data))
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, data, buf)

	require.NoError(t, f.Close())
	require.NoError(t, root.Close())
	require.NoError(t, fs.Unmount())
}

func TestRemoveFileDropsEntry(t *testing.T) {
	driver := NewMemDriver(64, 256)

	fs, err := Format(testConfig(driver))
	require.NoError(t, err)

	root, err := fs.OpenRoot()
	require.NoError(t, err)

	require.NoError(t, root.Create("gone.txt"))
	require.NoError(t, root.Remove("gone.txt"))

	entries, err := root.Readdir()
	require.NoError(t, err)
	require.Len(t, entries, 0)

	require.NoError(t, root.Close())
	require.NoError(t, fs.Unmount())
}

func TestRemoveNonEmptyDirFails(t *testing.T) {
	driver := NewMemDriver(64, 256)

	fs, err := Format(testConfig(driver))
	require.NoError(t, err)

	root, err := fs.OpenRoot()
	require.NoError(t, err)

	require.NoError(t, root.Mkdir("sub"))

	sub, err := fs.OpenDir(root, "sub")
	require.NoError(t, err)
	require.NoError(t, sub.Create("x"))
	require.NoError(t, sub.Close())

	err = root.Remove("sub")
	require.Error(t, err)
	require.True(t, Is(err, KindNotEmpty))

	require.NoError(t, root.Close())
	require.NoError(t, fs.Unmount())
}

func TestCannotCloseDirWithOpenChild(t *testing.T) {
	driver := NewMemDriver(64, 256)

	fs, err := Format(testConfig(driver))
	require.NoError(t, err)

	root, err := fs.OpenRoot()
	require.NoError(t, err)
	require.NoError(t, root.Mkdir("sub"))

	sub, err := fs.OpenDir(root, "sub")
	require.NoError(t, err)

	err = root.Close()
	require.Error(t, err)
	require.True(t, Is(err, KindCantDelete))

	require.NoError(t, sub.Close())
	require.NoError(t, root.Close())
	require.NoError(t, fs.Unmount())
}

func TestDirectoryChainGrowsPastOneSector(t *testing.T) {
	driver := NewMemDriver(64, 256)

	fs, err := Format(testConfig(driver))
	require.NoError(t, err)

	root, err := fs.OpenRoot()
	require.NoError(t, err)

	// Each entry record is well under a sector; push past capacity so
	// the chain actually grows a second (and further) linked sector
	// rather than bouncing off a single-sector ceiling.
	for i := 0; i < 20; i++ {
		name := string(rune('a' + i))
		require.NoError(t, root.Create(name))
	}

	chain, err := dirChainSectors(fs.fio, root.tailSector, fs.cfg.SectorSize)
	require.NoError(t, err)
	require.Greater(t, len(chain), 1, "20 entries should not fit a single 256-byte sector")

	entries, err := root.Readdir()
	require.NoError(t, err)
	require.Len(t, entries, 20)

	require.NoError(t, root.Close())
	require.NoError(t, fs.Unmount())
}

func TestDirectoryChainCompactsOnceOldSpaceThresholdCrossed(t *testing.T) {
	driver := NewMemDriver(64, 256)

	fs, err := Format(testConfig(driver))
	require.NoError(t, err)

	root, err := fs.OpenRoot()
	require.NoError(t, err)

	// Repeatedly create and remove the same name: each cycle consumes
	// chain room but also accrues old_space, so once accumulated
	// old_space crosses 3 sectors' worth the next overflow must
	// compact the chain instead of growing it forever.
	for i := 0; i < 80; i++ {
		require.NoError(t, root.Create("churn"))
		require.NoError(t, root.Remove("churn"))
	}

	require.NoError(t, root.Create("keep"))

	chain, err := dirChainSectors(fs.fio, root.tailSector, fs.cfg.SectorSize)
	require.NoError(t, err)
	require.LessOrEqual(t, len(chain), 4,
		"old_space gating should have compacted the chain at least once across 80 churn cycles")

	entries, err := root.Readdir()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "keep", entries[0].Name)

	require.NoError(t, root.Close())
	require.NoError(t, fs.Unmount())
}

func TestSubdirectoryChainCompactionUpdatesParentEntry(t *testing.T) {
	driver := NewMemDriver(64, 256)

	fs, err := Format(testConfig(driver))
	require.NoError(t, err)

	root, err := fs.OpenRoot()
	require.NoError(t, err)
	require.NoError(t, root.Mkdir("sub"))

	sub, err := fs.OpenDir(root, "sub")
	require.NoError(t, err)

	originalSector := sub.tailSector

	for i := 0; i < 80; i++ {
		require.NoError(t, sub.Create("churn"))
		require.NoError(t, sub.Remove("churn"))
	}
	require.NoError(t, sub.Create("keep"))

	require.NotEqual(t, originalSector, sub.tailSector,
		"sub's chain should have grown or compacted at least once")

	entry, found, err := dtraverseName(fs.fio, root.tailSector, fs.cfg.SectorSize, "sub")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, sub.tailSector, entry.meta.ChildSector,
		"parent's on-flash entry must track the child's current chain tail, not its original sector")

	entries, err := sub.Readdir()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "keep", entries[0].Name)

	require.NoError(t, sub.Close())
	require.NoError(t, root.Close())
	require.NoError(t, fs.Unmount())
}

func TestDirOldSpaceHintPersistsAcrossClose(t *testing.T) {
	driver := NewMemDriver(64, 256)

	fs, err := Format(testConfig(driver))
	require.NoError(t, err)

	root, err := fs.OpenRoot()
	require.NoError(t, err)
	require.NoError(t, root.Mkdir("sub"))

	sub, err := fs.OpenDir(root, "sub")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, sub.Create("churn"))
		require.NoError(t, sub.Remove("churn"))
	}

	wantOldSpace := sub.oldSpace
	require.Greater(t, wantOldSpace, uint32(0))

	require.NoError(t, sub.Close())

	reopened, err := fs.OpenDir(root, "sub")
	require.NoError(t, err)
	require.Equal(t, wantOldSpace, reopened.oldSpace)

	require.NoError(t, reopened.Close())
	require.NoError(t, root.Close())
	require.NoError(t, fs.Unmount())
}

func TestWearLevelMigrateSwapsReserveRegion(t *testing.T) {
	driver := NewMemDriver(64, 256)

	fs, err := Format(testConfig(driver))
	require.NoError(t, err)

	sm := fs.space
	oldReserve := sm.reserveRegion

	require.True(t, testBit(sm.dirTypeBits, 1))
	setBit(sm.dirTypeBits, 2)

	require.NoError(t, sm.wl.migrate(RegionDir, 2))

	require.Equal(t, uint32(2), sm.reserveRegion)
	require.False(t, testBit(sm.dirTypeBits, 2))
	require.True(t, testBit(sm.dirTypeBits, oldReserve))

	require.NoError(t, fs.Unmount())
}

func TestRelocateSectorMapMovesStore(t *testing.T) {
	driver := NewMemDriver(64, 256)

	fs, err := Format(testConfig(driver))
	require.NoError(t, err)

	oldSector := fs.space.smapSector
	oldGeneration := fs.super.generation

	require.NoError(t, fs.relocateSectorMap())

	require.NotEqual(t, oldSector, fs.space.smapSector)
	require.Greater(t, fs.super.generation, oldGeneration)

	require.NoError(t, fs.Unmount())

	fs2, err := Mount(testConfig(driver))
	require.NoError(t, err)
	require.Equal(t, fs.space.smapSector, fs2.space.smapSector)

	require.NoError(t, fs2.Unmount())
}

func TestSuperblockRejectsConfigMismatch(t *testing.T) {
	driver := NewMemDriver(64, 256)

	cfg := testConfig(driver)
	fs, err := Format(cfg)
	require.NoError(t, err)
	require.NoError(t, fs.Unmount())

	badCfg := cfg
	badCfg.SectorSize = 128
	badCfg.SectorCount = 128

	_, err = Mount(badCfg)
	require.Error(t, err)
	require.True(t, Is(err, KindWrongConfig))
}
