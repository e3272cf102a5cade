// Package cab parses the Microsoft Cabinet container (CFHEADER,
// CFFOLDER, CFFILE, CFDATA) and orchestrates per-folder decompression
// by feeding each folder's CFDATA iterator into the decoder its
// compression type selects.
package cab

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Compression algorithm, the low byte of CFFOLDER's typeCompress.
const (
	CompressNone    = 0
	CompressMSZip   = 1
	CompressQuantum = 2
	CompressLZX     = 3
)

const (
	flagPrevCabinet    = 0x0001
	flagNextCabinet    = 0x0002
	flagReservePresent = 0x0004
)

var (
	// ErrBadHeader is a missing "MSCF" signature or a structurally
	// short cabinet.
	ErrBadHeader = errors.New("cab: bad header")
	// ErrUnsupportedCompression is Quantum or an unrecognised algorithm.
	ErrUnsupportedCompression = errors.New("cab: unsupported compression type")
	// ErrTruncatedCabinet is a decoder yielding fewer uncompressed bytes
	// than a CFFILE requires.
	ErrTruncatedCabinet = errors.New("cab: truncated cabinet")
)

// Folder is one CFFOLDER record.
type Folder struct {
	CoffCabStart uint32
	CCFData      uint16
	TypeCompress uint16
}

// Algorithm returns the low-byte compression algorithm ID.
func (f Folder) Algorithm() uint16 { return f.TypeCompress & 0xff }

// WindowBits returns the high byte's low 5 bits, LZX's window size
// exponent. Meaningless for non-LZX folders.
func (f Folder) WindowBits() uint16 { return (f.TypeCompress >> 8) & 0x1f }

// File is one CFFILE record.
type File struct {
	CbFile          uint32
	UoffFolderStart uint32
	IFolder         uint16
	Date, Time      uint16
	Attribs         uint16
	Name            string
}

// Header is a fully parsed CFHEADER plus its CFFOLDER and CFFILE
// arrays.
type Header struct {
	VersionMajor, VersionMinor uint8
	CFolders, CFiles           uint16
	Flags                      uint16
	SetID                      uint16
	ICabinet                   uint16
	CbCabinet                  uint32
	CoffFiles                  uint32

	CbCFData uint8 // per-CFDATA reserve size, 0 unless RESERVE_PRESENT

	Folders []Folder
	Files   []File
}

// Version returns the cabinet format version.
func (h *Header) Version() (major, minor uint8) { return h.VersionMajor, h.VersionMinor }

// CabinetSize returns the cabinet's declared total size in bytes.
func (h *Header) CabinetSize() uint32 { return h.CbCabinet }

// cursor is a small forward-only reader over an io.ReaderAt, used to
// parse CFHEADER's two-phase layout: a fixed prefix, then optional
// sub-structures gated by flag bits, then the folder/file arrays.
type cursor struct {
	r   io.ReaderAt
	pos int64
}

func (c *cursor) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(io.NewSectionReader(c.r, c.pos, int64(n)), buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	c.pos += int64(n)
	return buf, nil
}

func (c *cursor) u8() (uint8, error) {
	b, err := c.read(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (c *cursor) u16() (uint16, error) {
	b, err := c.read(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *cursor) u32() (uint32, error) {
	b, err := c.read(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cursor) skip(n int) error {
	_, err := c.read(n)
	return err
}

// cstr reads a NUL-terminated string one byte at a time; CFHEADER's
// optional cabinet/disk names and CFFILE's szName are both this shape.
func (c *cursor) cstr() (string, error) {
	var out []byte
	for {
		b, err := c.u8()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(out), nil
		}
		out = append(out, b)
	}
}

// ParseHeader reads and validates a cabinet's CFHEADER, then its
// CFFOLDER and CFFILE arrays, per spec's two-phase explicit parse:
// fixed prefix, optional sub-fields branched on flags, then the
// folder/file tables in document order.
func ParseHeader(r io.ReaderAt) (*Header, error) {
	c := &cursor{r: r}

	sig, err := c.read(4)
	if err != nil {
		return nil, err
	}
	if string(sig) != "MSCF" {
		return nil, fmt.Errorf("%w: missing MSCF signature", ErrBadHeader)
	}

	h := &Header{}
	if err := c.skip(4); err != nil { // reserved1
		return nil, err
	}
	if h.CbCabinet, err = c.u32(); err != nil {
		return nil, err
	}
	if err := c.skip(4); err != nil { // reserved2
		return nil, err
	}
	if h.CoffFiles, err = c.u32(); err != nil {
		return nil, err
	}
	if err := c.skip(4); err != nil { // reserved3
		return nil, err
	}
	if h.VersionMinor, err = c.u8(); err != nil {
		return nil, err
	}
	if h.VersionMajor, err = c.u8(); err != nil {
		return nil, err
	}
	if h.CFolders, err = c.u16(); err != nil {
		return nil, err
	}
	if h.CFiles, err = c.u16(); err != nil {
		return nil, err
	}
	if h.Flags, err = c.u16(); err != nil {
		return nil, err
	}
	if h.SetID, err = c.u16(); err != nil {
		return nil, err
	}
	if h.ICabinet, err = c.u16(); err != nil {
		return nil, err
	}

	var cbCFFolder uint8
	if h.Flags&flagReservePresent != 0 {
		cbCFHeader, err := c.u16()
		if err != nil {
			return nil, err
		}
		if cbCFFolder, err = c.u8(); err != nil {
			return nil, err
		}
		if h.CbCFData, err = c.u8(); err != nil {
			return nil, err
		}
		if err := c.skip(int(cbCFHeader)); err != nil {
			return nil, err
		}
	}
	if h.Flags&flagPrevCabinet != 0 {
		if _, err := c.cstr(); err != nil { // szCabinetPrev
			return nil, err
		}
		if _, err := c.cstr(); err != nil { // szDiskPrev
			return nil, err
		}
	}
	if h.Flags&flagNextCabinet != 0 {
		if _, err := c.cstr(); err != nil { // szCabinetNext
			return nil, err
		}
		if _, err := c.cstr(); err != nil { // szDiskNext
			return nil, err
		}
	}

	h.Folders = make([]Folder, h.CFolders)
	for i := range h.Folders {
		f := Folder{}
		if f.CoffCabStart, err = c.u32(); err != nil {
			return nil, err
		}
		if f.CCFData, err = c.u16(); err != nil {
			return nil, err
		}
		if f.TypeCompress, err = c.u16(); err != nil {
			return nil, err
		}
		if err := c.skip(int(cbCFFolder)); err != nil {
			return nil, err
		}
		h.Folders[i] = f
	}

	h.Files = make([]File, h.CFiles)
	for i := range h.Files {
		fl := File{}
		if fl.CbFile, err = c.u32(); err != nil {
			return nil, err
		}
		if fl.UoffFolderStart, err = c.u32(); err != nil {
			return nil, err
		}
		if fl.IFolder, err = c.u16(); err != nil {
			return nil, err
		}
		if fl.Date, err = c.u16(); err != nil {
			return nil, err
		}
		if fl.Time, err = c.u16(); err != nil {
			return nil, err
		}
		if fl.Attribs, err = c.u16(); err != nil {
			return nil, err
		}
		if fl.Name, err = c.cstr(); err != nil {
			return nil, err
		}
		h.Files[i] = fl
	}

	return h, nil
}

// DataBlock is one parsed CFDATA record: its uncompressed length and
// the raw compressed payload (the per-block reserve area excluded).
type DataBlock struct {
	CbUncomp uint16
	Raw      []byte
}

// dataBlockIterator reads successive CFDATA records starting at a
// folder's coffCabStart.
type dataBlockIterator struct {
	r         io.ReaderAt
	pos       int64
	remaining uint16
	cbReserve uint8
}

func newDataBlockIterator(r io.ReaderAt, folder Folder, cbReserve uint8) *dataBlockIterator {
	return &dataBlockIterator{r: r, pos: int64(folder.CoffCabStart), remaining: folder.CCFData, cbReserve: cbReserve}
}

// next pulls the next CFDATA record, or reports it has none left.
func (it *dataBlockIterator) next() (DataBlock, bool, error) {
	if it.remaining == 0 {
		return DataBlock{}, false, nil
	}
	c := &cursor{r: it.r, pos: it.pos}
	if err := c.skip(4); err != nil { // csum, unverified per Non-goals
		return DataBlock{}, false, err
	}
	cbData, err := c.u16()
	if err != nil {
		return DataBlock{}, false, err
	}
	cbUncomp, err := c.u16()
	if err != nil {
		return DataBlock{}, false, err
	}
	if err := c.skip(int(it.cbReserve)); err != nil {
		return DataBlock{}, false, err
	}
	raw, err := c.read(int(cbData))
	if err != nil {
		return DataBlock{}, false, err
	}

	it.pos = c.pos
	it.remaining--
	return DataBlock{CbUncomp: cbUncomp, Raw: raw}, true, nil
}

// dataExtent is one CFDATA record's payload location within the
// backing reader, without reading the payload itself.
type dataExtent struct {
	Off, Len int64
}

// dataExtents locates every CFDATA payload of a CompressNone folder,
// for direct random access without a decompression pass.
func dataExtents(r io.ReaderAt, folder Folder, cbReserve uint8) ([]dataExtent, error) {
	it := newDataBlockIterator(r, folder, cbReserve)
	var out []dataExtent
	pos := it.pos
	for it.remaining > 0 {
		c := &cursor{r: it.r, pos: pos}
		if err := c.skip(4); err != nil {
			return nil, err
		}
		cbData, err := c.u16()
		if err != nil {
			return nil, err
		}
		if err := c.skip(2); err != nil { // cbUncomp, unused here
			return nil, err
		}
		if err := c.skip(int(cbReserve)); err != nil {
			return nil, err
		}
		out = append(out, dataExtent{Off: c.pos, Len: int64(cbData)})
		pos = c.pos + int64(cbData)
		it.remaining--
	}
	return out, nil
}
