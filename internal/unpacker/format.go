package unpacker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bodgit/sevenzip"
	"github.com/klauspost/compress/zip"
)

// Format opens one kind of container from a file on disk.
type Format interface {
	Open(path string) (Archive, error)
}

// Archive is an opened container whose entries can be written to a directory.
type Archive interface {
	// Entries lists the names of the non-directory entries, in archive order.
	Entries() []string
	// Extract writes the named entry to dir under its base name and returns
	// the written path. A failed extraction leaves no file behind.
	Extract(name, dir string) (string, error)
	Close() error
}

type opener func() (io.ReadCloser, error)

// writeEntry copies an entry to dir/base(name).
func writeEntry(open opener, name, dir string) (string, error) {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid entry name %q", name)
	}
	dest := filepath.Join(dir, base)

	rc, err := open()
	if err != nil {
		return "", fmt.Errorf("open entry %s: %w", name, err)
	}
	out, err := os.Create(dest)
	if err != nil {
		rc.Close()
		return "", fmt.Errorf("create %s: %w", dest, err)
	}
	_, copyErr := io.Copy(out, rc)
	closeOutErr := out.Close()
	closeRcErr := rc.Close()
	if err := errors.Join(copyErr, closeOutErr, closeRcErr); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("extract %s: %w", name, err)
	}
	return dest, nil
}

// entryIndex maps entry names to their openers. It is built once per archive
// so that extracting every member stays linear in the number of entries.
// Directories are skipped and the first of duplicate names wins.
type entryIndex struct {
	names []string
	open  map[string]opener
}

func newEntryIndex(capacity int) entryIndex {
	return entryIndex{open: make(map[string]opener, capacity)}
}

func (x *entryIndex) add(name string, isDir bool, open opener) {
	if isDir {
		return
	}
	if _, dup := x.open[name]; dup {
		return
	}
	x.names = append(x.names, name)
	x.open[name] = open
}

func (x *entryIndex) Entries() []string { return x.names }

func (x *entryIndex) Extract(name, dir string) (string, error) {
	open, ok := x.open[name]
	if !ok {
		return "", fmt.Errorf("entry %s not found", name)
	}
	return writeEntry(open, name, dir)
}

// ZipFormat reads ZIP containers. The TSE bundles are ZIP files holding one
// .logjez member per section.
type ZipFormat struct{}

func (ZipFormat) Open(path string) (Archive, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	a := &zipArchive{rc: rc, entryIndex: newEntryIndex(len(rc.File))}
	for _, f := range rc.File {
		a.add(f.Name, f.FileInfo().IsDir(), f.Open)
	}
	return a, nil
}

type zipArchive struct {
	rc *zip.ReadCloser
	entryIndex
}

func (a *zipArchive) Close() error { return a.rc.Close() }

// SevenZipFormat reads 7z containers, which is what a .logjez file is.
type SevenZipFormat struct{}

func (SevenZipFormat) Open(path string) (Archive, error) {
	rc, err := sevenzip.OpenReader(path)
	if err != nil {
		return nil, err
	}
	a := &sevenZipArchive{rc: rc, entryIndex: newEntryIndex(len(rc.File))}
	for _, f := range rc.File {
		a.add(f.Name, f.FileInfo().IsDir(), f.Open)
	}
	return a, nil
}

type sevenZipArchive struct {
	rc *sevenzip.ReadCloser
	entryIndex
}

func (a *sevenZipArchive) Close() error { return a.rc.Close() }
