package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dsoprea/go-logging"
	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"

	"github.com/dsoprea/n2fs"
)

// n2fsutil operates on an n2fs flash image captured to a host file: it
// can lay a fresh filesystem down, create directories and files inside
// one, list a directory tree, and pull a file's contents back out.
// Every subcommand mounts the image, does one thing, and unmounts.

type commonOpts struct {
	Filepath    string `short:"f" long:"filepath" description:"Flash image file" required:"true"`
	SectorSize  uint32 `long:"sector-size" description:"Bytes per sector" default:"4096"`
	SectorCount uint32 `long:"sector-count" description:"Sectors in the image" default:"256"`
	RegionCount uint32 `long:"region-count" description:"Sector-map regions (power of two)" default:"4"`
	ReadSize    uint32 `long:"read-size" default:"4"`
	ProgSize    uint32 `long:"prog-size" default:"4"`
	CacheSize   uint32 `long:"cache-size" default:"16"`
}

func (o commonOpts) config(driver n2fs.Driver) n2fs.Config {
	return n2fs.Config{
		Driver:      driver,
		ReadSize:    o.ReadSize,
		ProgSize:    o.ProgSize,
		SectorSize:  o.SectorSize,
		SectorCount: o.SectorCount,
		CacheSize:   o.CacheSize,
		RegionCount: o.RegionCount,
	}
}

func (o commonOpts) mount() (*n2fs.N2FS, *os.File, error) {
	f, err := os.OpenFile(o.Filepath, os.O_RDWR, 0644)
	if err != nil {
		return nil, nil, err
	}

	driver := n2fs.NewFileDriver(f, o.SectorSize)
	fs, err := n2fs.Mount(o.config(driver))
	if err != nil {
		f.Close()
		return nil, nil, err
	}

	return fs, f, nil
}

type formatCommand struct {
	commonOpts
}

func (c *formatCommand) Execute(args []string) error {
	f, err := os.OpenFile(c.Filepath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	log.PanicIf(err)
	defer f.Close()

	log.PanicIf(n2fs.EraseImage(f, c.SectorCount, c.SectorSize))

	driver := n2fs.NewFileDriver(f, c.SectorSize)
	fs, err := n2fs.Format(c.config(driver))
	log.PanicIf(err)

	return fs.Unmount()
}

type mkdirCommand struct {
	commonOpts
	Path string `short:"p" long:"path" description:"Slash-separated directory path to create" required:"true"`
}

func (c *mkdirCommand) Execute(args []string) error {
	fs, f, err := c.mount()
	log.PanicIf(err)
	defer f.Close()

	if err := mkdirAll(fs, c.Path); err != nil {
		return err
	}

	return fs.Unmount()
}

type putCommand struct {
	commonOpts
	Path   string `short:"p" long:"path" description:"Slash-separated destination path" required:"true"`
	Source string `short:"s" long:"source" description:"Host file to copy in" required:"true"`
}

func (c *putCommand) Execute(args []string) error {
	fs, f, err := c.mount()
	log.PanicIf(err)
	defer f.Close()

	data, err := os.ReadFile(c.Source)
	log.PanicIf(err)

	dirPath, name := splitPath(c.Path)

	dir, err := openPath(fs, dirPath)
	if err != nil {
		return err
	}

	if err := dir.Create(name); err != nil {
		return err
	}

	file, err := fs.OpenFile(dir, name)
	if err != nil {
		return err
	}

	if _, err := file.WriteAt(data, 0); err != nil {
		return err
	}

	if err := file.Close(); err != nil {
		return err
	}
	if err := dir.Close(); err != nil {
		return err
	}

	return fs.Unmount()
}

type catCommand struct {
	commonOpts
	Path   string `short:"p" long:"path" description:"Slash-separated source path" required:"true"`
	Output string `short:"o" long:"output" description:"Output file ('-' for STDOUT)" default:"-"`
}

func (c *catCommand) Execute(args []string) error {
	fs, f, err := c.mount()
	log.PanicIf(err)
	defer f.Close()
	defer fs.Unmount()

	dirPath, name := splitPath(c.Path)

	dir, err := openPath(fs, dirPath)
	if err != nil {
		return err
	}

	file, err := fs.OpenFile(dir, name)
	if err != nil {
		return err
	}
	defer file.Close()

	var out *os.File
	if c.Output == "-" {
		out = os.Stdout
	} else {
		out, err = os.Create(c.Output)
		log.PanicIf(err)
		defer out.Close()
	}

	buf := make([]byte, file.Size())
	if _, err := file.ReadAt(buf, 0); err != nil {
		return err
	}

	_, err = out.Write(buf)
	return err
}

type lsCommand struct {
	commonOpts
	Path string `short:"p" long:"path" description:"Slash-separated directory path" default:"/"`
}

func (c *lsCommand) Execute(args []string) error {
	fs, f, err := c.mount()
	log.PanicIf(err)
	defer f.Close()
	defer fs.Unmount()

	dir, err := openPath(fs, c.Path)
	if err != nil {
		return err
	}

	return walk(fs, dir, c.Path)
}

func walk(fs *n2fs.N2FS, dir *n2fs.Dir, prefix string) error {
	entries, err := dir.Readdir()
	if err != nil {
		return err
	}

	for _, e := range entries {
		full := strings.TrimRight(prefix, "/") + "/" + e.Name

		if e.IsDir {
			fmt.Printf("%15s %s/\n", "-", full)

			child, err := fs.OpenDir(dir, e.Name)
			if err != nil {
				return err
			}
			if err := walk(fs, child, full); err != nil {
				return err
			}
			if err := child.Close(); err != nil {
				return err
			}
		} else {
			fmt.Printf("%15s %s\n", humanize.Comma(int64(e.Size)), full)
		}
	}

	return nil
}

// splitPath divides a slash-separated path into its parent directory
// path and final name component.
func splitPath(p string) (dirPath, name string) {
	p = strings.Trim(p, "/")
	idx := strings.LastIndex(p, "/")
	if idx < 0 {
		return "/", p
	}
	return p[:idx], p[idx+1:]
}

func openPath(fs *n2fs.N2FS, p string) (*n2fs.Dir, error) {
	dir, err := fs.OpenRoot()
	if err != nil {
		return nil, err
	}

	p = strings.Trim(p, "/")
	if p == "" {
		return dir, nil
	}

	for _, part := range strings.Split(p, "/") {
		next, err := fs.OpenDir(dir, part)
		if err != nil {
			return nil, err
		}
		if err := dir.Close(); err != nil {
			return nil, err
		}
		dir = next
	}

	return dir, nil
}

func mkdirAll(fs *n2fs.N2FS, p string) error {
	dir, err := fs.OpenRoot()
	if err != nil {
		return err
	}

	p = strings.Trim(p, "/")
	if p == "" {
		return dir.Close()
	}

	for _, part := range strings.Split(p, "/") {
		if err := dir.Mkdir(part); err != nil && errKindExist(err) != true {
			return err
		}

		next, err := fs.OpenDir(dir, part)
		if err != nil {
			return err
		}
		if err := dir.Close(); err != nil {
			return err
		}
		dir = next
	}

	return dir.Close()
}

func errKindExist(err error) bool {
	return n2fs.Is(err, n2fs.KindExist)
}

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(nil, flags.Default)

	if _, err := p.AddCommand("format", "Lay down a fresh filesystem", "", &formatCommand{}); err != nil {
		log.Panic(err)
	}
	if _, err := p.AddCommand("mkdir", "Create a directory", "", &mkdirCommand{}); err != nil {
		log.Panic(err)
	}
	if _, err := p.AddCommand("put", "Copy a host file in", "", &putCommand{}); err != nil {
		log.Panic(err)
	}
	if _, err := p.AddCommand("cat", "Extract a file's contents", "", &catCommand{}); err != nil {
		log.Panic(err)
	}
	if _, err := p.AddCommand("ls", "List a directory tree", "", &lsCommand{}); err != nil {
		log.Panic(err)
	}

	if _, err := p.Parse(); err != nil {
		if _, ok := err.(*flags.Error); ok {
			os.Exit(1)
		}
		log.Panic(err)
	}
}
