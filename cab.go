// Package cabfs exposes a Microsoft Cabinet (.cab) file as an
// [io/fs.FS], built directly on internal/cab the way internal/zip and
// internal/sit expose their containers: the CFFILE table is read once
// up front, so there is no on-demand attribute evaluator to build a
// tree lazily around.
package cabfs

import (
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/elliotnunn/cabfs/internal/cab"
	"github.com/elliotnunn/cabfs/internal/fileid"
)

// FS is a cabinet opened for both sequential and random-access reads.
type FS struct {
	archive io.ReaderAt
	cab     *cab.Cabinet

	files map[string]int    // fs.ValidPath name -> index into cab.Header().Files
	dirs  map[string][]string // fs.ValidPath dir name -> sorted immediate children (base names)
}

// New parses r as a cabinet and returns an fs.FS view of its files.
// Decompression is never performed until a file is actually opened or
// read.
func New(r io.ReaderAt) (*FS, error) {
	c, err := cab.Open(r)
	if err != nil {
		return nil, err
	}

	fsys := &FS{
		archive: r,
		cab:     c,
		files:   make(map[string]int),
		dirs:    make(map[string][]string),
	}

	seenDir := map[string]bool{".": true}
	var addDir func(name string)
	addDir = func(name string) {
		if name == "." || seenDir[name] {
			return
		}
		seenDir[name] = true
		parent := path.Dir(name)
		addDir(parent)
		base := path.Base(name)
		if !slicesContains(fsys.dirs[parent], base) {
			fsys.dirs[parent] = append(fsys.dirs[parent], base)
		}
	}

	for i, f := range c.Header().Files {
		name := cabNameToSlash(f.Name)
		if !fs.ValidPath(name) {
			continue
		}
		dir := path.Dir(name)
		addDir(dir)
		base := path.Base(name)
		if !slicesContains(fsys.dirs[dir], base) {
			fsys.dirs[dir] = append(fsys.dirs[dir], base)
		}
		fsys.files[name] = i
	}
	for _, children := range fsys.dirs {
		sort.Strings(children)
	}

	return fsys, nil
}

func slicesContains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// cabNameToSlash converts a CFFILE's backslash-separated MS-DOS path
// into the forward-slash form fs.FS requires.
func cabNameToSlash(name string) string {
	return strings.ReplaceAll(name, `\`, "/")
}

// Open implements fs.FS.
func (f *FS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	if children, ok := f.dirs[name]; ok {
		return &openDir{name: name, children: children, fsys: f}, nil
	}
	idx, ok := f.files[name]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return f.openFile(name, idx)
}

func (f *FS) openFile(name string, idx int) (fs.File, error) {
	cf := f.cab.Header().Files[idx]
	ra, size, err := f.cab.FileReaderAt(cf.Name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	return &openFile{
		info:   f.statIndex(name, idx),
		r:      io.NewSectionReader(ra, 0, size),
	}, nil
}

// ReadDir implements fs.ReadDirFS.
func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	children, ok := f.dirs[name]
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}
	out := make([]fs.DirEntry, len(children))
	for i, base := range children {
		child := path.Join(name, base)
		out[i] = dirEntry{f.statAny(child)}
	}
	return out, nil
}

// Stat implements fs.StatFS.
func (f *FS) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	return f.statAny(name)
}

func (f *FS) statAny(name string) fileInfo {
	if idx, ok := f.files[name]; ok {
		return f.statIndex(name, idx)
	}
	return fileInfo{name: path.Base(name), isDir: true}
}

func (f *FS) statIndex(name string, idx int) fileInfo {
	cf := f.cab.Header().Files[idx]
	h := f.cab.Header()
	id := fileid.Get(f.archive, h.SetID, h.ICabinet, cf.IFolder, cf.UoffFolderStart, cf.Name)
	return fileInfo{
		name:  path.Base(name),
		size:  int64(cf.CbFile),
		mode:  attribsToMode(cf.Attribs),
		mtime: dosTimeToTime(cf.Date, cf.Time),
		id:    id,
	}
}

// ListFile is one entry of ListFiles: a CFFILE's identity and
// placement without decompressing its contents.
type ListFile struct {
	Name        string
	Size        uint32
	Attribs     uint16
	Compression uint16
}

// ListFiles enumerates every CFFILE's (name, size, attribs,
// compression) without decompressing anything, mirroring
// dissect.formats.cab.CabLab.listCabFiles.
func (f *FS) ListFiles() []ListFile {
	h := f.cab.Header()
	out := make([]ListFile, len(h.Files))
	for i, cf := range h.Files {
		out[i] = ListFile{
			Name:        cf.Name,
			Size:        cf.CbFile,
			Attribs:     cf.Attribs,
			Compression: h.Folders[cf.IFolder].TypeCompress,
		}
	}
	return out
}

// Version returns the cabinet format version (getCabVersion).
func (f *FS) Version() (major, minor uint8) { return f.cab.Header().Version() }

// CabinetSize returns the cabinet's declared total size (getCabSize).
func (f *FS) CabinetSize() uint32 { return f.cab.Header().CabinetSize() }

type fileInfo struct {
	name  string
	size  int64
	mode  fs.FileMode
	mtime time.Time
	isDir bool
	id    fileid.ID
}

func (i fileInfo) Name() string       { return i.name }
func (i fileInfo) Size() int64        { return i.size }
func (i fileInfo) Mode() fs.FileMode  { return i.modeWithDir() }
func (i fileInfo) ModTime() time.Time { return i.mtime }
func (i fileInfo) IsDir() bool        { return i.isDir }
func (i fileInfo) Sys() any           { return i.id }

func (i fileInfo) modeWithDir() fs.FileMode {
	if i.isDir {
		return fs.ModeDir | 0o755
	}
	return i.mode
}

const (
	attrReadonly = 0x01
	attrHidden   = 0x02
	attrSystem   = 0x04
)

func attribsToMode(attribs uint16) fs.FileMode {
	mode := fs.FileMode(0o644)
	if attribs&attrReadonly != 0 {
		mode &^= 0o222
	}
	return mode
}

// dosTimeToTime converts a CFFILE date/time pair (identical encoding
// to the zip central directory's MS-DOS date/time fields) into a
// time.Time.
func dosTimeToTime(dosDate, dosTime uint16) time.Time {
	return time.Date(
		int(dosDate>>9+1980),
		time.Month(dosDate>>5&0xf),
		int(dosDate&0x1f),

		int(dosTime>>11),
		int(dosTime>>5&0x3f),
		int(dosTime&0x1f*2),
		0,

		time.UTC,
	)
}

type dirEntry struct {
	info fileInfo
}

func (d dirEntry) Name() string               { return d.info.Name() }
func (d dirEntry) IsDir() bool                 { return d.info.IsDir() }
func (d dirEntry) Type() fs.FileMode           { return d.info.Mode().Type() }
func (d dirEntry) Info() (fs.FileInfo, error) { return d.info, nil }

type openFile struct {
	info fileInfo
	r    *io.SectionReader
}

func (f *openFile) Stat() (fs.FileInfo, error) { return f.info, nil }
func (f *openFile) Read(p []byte) (int, error) { return f.r.Read(p) }
func (f *openFile) Close() error               { return nil }

type openDir struct {
	name     string
	children []string
	fsys     *FS
	pos      int
}

func (d *openDir) Stat() (fs.FileInfo, error) {
	return fileInfo{name: path.Base(d.name), isDir: true}, nil
}
func (d *openDir) Read([]byte) (int, error) { return 0, &fs.PathError{Op: "read", Path: d.name, Err: fs.ErrInvalid} }
func (d *openDir) Close() error              { return nil }

func (d *openDir) ReadDir(n int) ([]fs.DirEntry, error) {
	rest := d.children[d.pos:]
	if n <= 0 {
		d.pos = len(d.children)
	} else {
		if n > len(rest) {
			n = len(rest)
		}
		rest = rest[:n]
		d.pos += n
	}
	out := make([]fs.DirEntry, len(rest))
	for i, base := range rest {
		out[i] = dirEntry{d.fsys.statAny(path.Join(d.name, base))}
	}
	if n > 0 && len(out) == 0 {
		return nil, io.EOF
	}
	return out, nil
}
