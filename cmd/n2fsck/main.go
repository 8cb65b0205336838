package main

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/n2fs"
)

// n2fsck mounts an image and prints a short summary, the closest analog
// to dumping a boot sector header: the active superblock's generation,
// the root directory's sector and id, and how many entries the root
// holds. It then closes the root and unmounts, which commits one more
// superblock generation.

type rootParameters struct {
	Filepath    string `short:"f" long:"filepath" description:"Flash image file" required:"true"`
	SectorSize  uint32 `long:"sector-size" description:"Bytes per sector" default:"4096"`
	SectorCount uint32 `long:"sector-count" description:"Sectors in the image" default:"256"`
	RegionCount uint32 `long:"region-count" description:"Sector-map regions (power of two)" default:"4"`
	ReadSize    uint32 `long:"read-size" default:"4"`
	ProgSize    uint32 `long:"prog-size" default:"4"`
	CacheSize   uint32 `long:"cache-size" default:"16"`
}

var (
	rootArguments = new(rootParameters)
)

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	f, err := os.OpenFile(rootArguments.Filepath, os.O_RDWR, 0644)
	log.PanicIf(err)

	defer f.Close()

	driver := n2fs.NewFileDriver(f, rootArguments.SectorSize)

	fs, err := n2fs.Mount(n2fs.Config{
		Driver:      driver,
		ReadSize:    rootArguments.ReadSize,
		ProgSize:    rootArguments.ProgSize,
		SectorSize:  rootArguments.SectorSize,
		SectorCount: rootArguments.SectorCount,
		CacheSize:   rootArguments.CacheSize,
		RegionCount: rootArguments.RegionCount,
	})
	log.PanicIf(err)

	fmt.Printf("generation:     %d\n", fs.Generation())
	fmt.Printf("root sector:    %d\n", fs.RootSector())
	fmt.Printf("root id:        %d\n", fs.RootID())

	root, err := fs.OpenRoot()
	log.PanicIf(err)

	entries, err := root.Readdir()
	log.PanicIf(err)

	fmt.Printf("root entries:   %d\n", len(entries))

	log.PanicIf(root.Close())
	log.PanicIf(fs.Unmount())
}
