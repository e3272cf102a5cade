package cab

import (
	"fmt"
	"hash/maphash"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dgryski/go-tinylfu"

	"github.com/elliotnunn/cabfs/internal/decompressioncache"
	"github.com/elliotnunn/cabfs/internal/lzx"
	"github.com/elliotnunn/cabfs/internal/mszip"
	"github.com/elliotnunn/cabfs/internal/multireaderat"
	"github.com/elliotnunn/cabfs/internal/sectionreader"
)

// cabinetUniq hands out a process-wide unique ID per opened Cabinet,
// so the package-level blockCache (and decompressioncache's own
// per-instance uniq) never serve one cabinet's CFDATA bytes to
// another cabinet that happens to reuse the same folder index.
var cabinetUniq uint64

// blockCacheN bounds the number of raw CFDATA payloads kept across all
// LZX folders of all cabinets. A new LZX decoder for a folder whose
// blocks are still cached (for example ExtractAll after FileReaderAt)
// takes them from here instead of reading them from the cabinet again.
const blockCacheN = 4096

type blockCacheKey struct {
	cabinet uint64
	folder  uint16
	index   int
}

var blockCacheSeed = maphash.MakeSeed()

func blockCacheHash(k blockCacheKey) uint64 { return maphash.Comparable(blockCacheSeed, k) }

var blockCache = tinylfu.New[blockCacheKey, []byte](blockCacheN, blockCacheN*10, blockCacheHash)

// dataBlockByteReader adapts a dataBlockIterator's sequence of CFDATA
// payloads into the byte-at-a-time bitstream.ByteReader LZX expects,
// caching each block's raw bytes under (cabinet, folder, block index)
// so a second decoder for the same folder does not read again from the
// cabinet the blocks already pulled once (the LZX decoding itself still
// runs again).
type dataBlockByteReader struct {
	it      *dataBlockIterator
	cabinet uint64
	folder  uint16
	index   int
	cur     []byte
	pos     int
}

func (r *dataBlockByteReader) ReadByte() (byte, error) {
	for r.pos >= len(r.cur) {
		key := blockCacheKey{cabinet: r.cabinet, folder: r.folder, index: r.index}
		if cached, ok := blockCache.Get(key); ok {
			r.cur = cached
			// Step the iterator past this record too, so a later cache
			// miss reads the block that follows it.
			r.it.pos += 4 + 2 + 2 + int64(r.it.cbReserve) + int64(len(cached))
			r.it.remaining--
		} else {
			blk, ok, err := r.it.next()
			if err != nil {
				return 0, err
			}
			if !ok {
				return 0, io.EOF
			}
			r.cur = blk.Raw
			blockCache.Add(key, blk.Raw)
		}
		r.pos = 0
		r.index++
	}
	b := r.cur[r.pos]
	r.pos++
	return b, nil
}

// folderStream is the uncompressed byte stream for one CFFOLDER,
// produced by whichever decoder its typeCompress selects.
type folderStream struct {
	mszip *mszip.Decoder // non-nil for CompressMSZip
	lzx   *lzx.Decoder   // non-nil for CompressLZX
	raw   *dataBlockIterator

	cur []byte // leftover decoded bytes not yet consumed
}

func newFolderStream(r io.ReaderAt, folder Folder, cabinetID uint64, folderIndex uint16, cbReserve uint8, totalUncompressed int) (*folderStream, error) {
	switch folder.Algorithm() {
	case CompressNone:
		return &folderStream{raw: newDataBlockIterator(r, folder, cbReserve)}, nil
	case CompressMSZip:
		return &folderStream{mszip: mszip.New(), raw: newDataBlockIterator(r, folder, cbReserve)}, nil
	case CompressLZX:
		byteReader := &dataBlockByteReader{it: newDataBlockIterator(r, folder, cbReserve), cabinet: cabinetID, folder: folderIndex}
		dec, err := lzx.New(byteReader, uint32(folder.TypeCompress), totalUncompressed)
		if err != nil {
			return nil, err
		}
		return &folderStream{lzx: dec}, nil
	default:
		return nil, ErrUnsupportedCompression
	}
}

// read pulls exactly len(p) uncompressed bytes, pulling fresh CFDATA
// blocks as needed. It is the folder-wide analogue of io.ReadFull.
func (fs *folderStream) read(p []byte) error {
	for len(p) > 0 {
		if len(fs.cur) == 0 {
			if err := fs.fill(); err != nil {
				return err
			}
		}
		n := copy(p, fs.cur)
		p = p[n:]
		fs.cur = fs.cur[n:]
	}
	return nil
}

func (fs *folderStream) fill() error {
	switch {
	case fs.lzx != nil:
		buf := make([]byte, 32768)
		n, err := fs.lzx.Read(buf)
		if n == 0 && err != nil {
			return err
		}
		fs.cur = buf[:n]
		return nil
	default:
		blk, ok, err := fs.raw.next()
		if err != nil {
			return err
		}
		if !ok {
			return io.ErrUnexpectedEOF
		}
		if fs.mszip != nil {
			out, err := fs.mszip.DecodeBlock(blk.Raw)
			if err != nil {
				return err
			}
			fs.cur = out
		} else {
			fs.cur = blk.Raw
		}
		return nil
	}
}

// folderUncompressedSize sums a folder's CFDATA cbUncomp fields, the
// total uncompressed length LZX needs up front to size its final
// frame correctly.
func folderUncompressedSize(r io.ReaderAt, folder Folder, cbReserve uint8) (int, error) {
	it := newDataBlockIterator(r, folder, cbReserve)
	total := 0
	for {
		blk, ok, err := it.next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return total, nil
		}
		total += int(blk.CbUncomp)
	}
}

// Cabinet is an opened cabinet ready for sequential extraction or
// random-access reads of individual files.
type Cabinet struct {
	r      io.ReaderAt
	header *Header
	uniq   uint64

	mu          sync.Mutex
	folderCache map[uint16]io.ReaderAt
}

// Open parses r's CFHEADER and tables without decompressing anything.
func Open(r io.ReaderAt) (*Cabinet, error) {
	h, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}
	return &Cabinet{
		r:           r,
		header:      h,
		uniq:        atomic.AddUint64(&cabinetUniq, 1),
		folderCache: make(map[uint16]io.ReaderAt),
	}, nil
}

// Header returns the cabinet's parsed CFHEADER, CFFOLDER and CFFILE
// tables.
func (c *Cabinet) Header() *Header { return c.header }

// ExtractAll walks every file in table order, decoding each folder's
// CFDATA stream exactly once and handing each file's uncompressed
// bytes to yield. This is the cheap path: files of a folder share one
// decoder and history, decoded forward-only without FileReaderAt's
// decompressioncache checkpoints.
func (c *Cabinet) ExtractAll(yield func(File, []byte) error) error {
	var (
		curFolder uint16
		fs        *folderStream
		pos       uint32 // bytes already pulled from curFolder's stream
		haveFS    bool
	)

	for _, file := range c.header.Files {
		if !haveFS || file.IFolder != curFolder {
			folder := c.header.Folders[file.IFolder]
			total, err := folderUncompressedSize(c.r, folder, c.header.CbCFData)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrTruncatedCabinet, err)
			}
			slog.Info("cabFolderStart", "folder", file.IFolder, "algorithm", folder.Algorithm())
			fs, err = newFolderStream(c.r, folder, c.uniq, file.IFolder, c.header.CbCFData, total)
			if err != nil {
				return err
			}
			curFolder = file.IFolder
			pos = 0
			haveFS = true
		}

		if file.UoffFolderStart < pos {
			slog.Error("cabFileOutOfOrder", "name", file.Name, "folder", file.IFolder)
			return fmt.Errorf("%w: file %q precedes folder cursor", ErrTruncatedCabinet, file.Name)
		}
		if skip := file.UoffFolderStart - pos; skip > 0 {
			if err := fs.read(make([]byte, skip)); err != nil {
				return fmt.Errorf("%w: skipping to %q: %v", ErrTruncatedCabinet, file.Name, err)
			}
			pos += skip
		}

		data := make([]byte, file.CbFile)
		if err := fs.read(data); err != nil {
			return fmt.Errorf("%w: reading %q: %v", ErrTruncatedCabinet, file.Name, err)
		}
		pos += file.CbFile

		if err := yield(file, data); err != nil {
			return err
		}
	}
	return nil
}

// FileReaderAt returns a random-access view of one named file, backed
// by a per-folder ReaderAt shared across every file of that folder so
// repeated access does not redecode the folder's CFDATA stream (or,
// for CompressNone, re-walk its extents) from the start each time.
func (c *Cabinet) FileReaderAt(name string) (io.ReaderAt, int64, error) {
	for _, file := range c.header.Files {
		if file.Name != name {
			continue
		}
		folderAt, err := c.folderReaderAt(file.IFolder)
		if err != nil {
			return nil, 0, err
		}
		return sectionreader.Section(folderAt, int64(file.UoffFolderStart), int64(file.CbFile)), int64(file.CbFile), nil
	}
	return nil, 0, fmt.Errorf("cab: no such file: %q", name)
}

// folderReaderAt returns (creating if needed) the shared random-access
// view of folderIndex's uncompressed stream. A CompressNone folder is
// already contiguous-per-extent in the cabinet, so it is stitched
// directly with multireaderat; every other algorithm goes through a
// checkpointed decompressioncache.ReaderAt over a single shared
// folderStream.
func (c *Cabinet) folderReaderAt(folderIndex uint16) (io.ReaderAt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.folderCache[folderIndex]; ok {
		return cached, nil
	}

	folder := c.header.Folders[folderIndex]

	if folder.Algorithm() == CompressNone {
		extents, err := dataExtents(c.r, folder, c.header.CbCFData)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncatedCabinet, err)
		}
		mrExtents := make([]multireaderat.Extent, len(extents))
		for i, e := range extents {
			mrExtents[i] = multireaderat.Extent{Off: e.Off, Len: e.Len}
		}
		ra := multireaderat.New(c.r, mrExtents)
		c.folderCache[folderIndex] = ra
		return ra, nil
	}

	total, err := folderUncompressedSize(c.r, folder, c.header.CbCFData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedCabinet, err)
	}
	fs, err := newFolderStream(c.r, folder, c.uniq, folderIndex, c.header.CbCFData, total)
	if err != nil {
		return nil, err
	}

	const chunk = 32768
	consumed := 0
	var step decompressioncache.Stepper
	step = func() (decompressioncache.Stepper, []byte, error) {
		if consumed >= total {
			return nil, nil, nil
		}
		n := chunk
		if remaining := total - consumed; remaining < n {
			n = remaining
		}
		buf := make([]byte, n)
		if err := fs.read(buf); err != nil {
			slog.Error("cabFolderDecodeAbandoned", "folder", folderIndex, "err", err)
			return nil, nil, err
		}
		consumed += n
		return step, buf, nil
	}

	name := fmt.Sprintf("cab-folder-%d", folderIndex)
	ra := decompressioncache.New(step, int64(total), name)
	c.folderCache[folderIndex] = ra
	return ra, nil
}
