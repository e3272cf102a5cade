// Package multireaderat stitches a sequence of disjoint byte ranges
// from a backing io.ReaderAt into one contiguous virtual io.ReaderAt.
// A CompressNone CFFOLDER stores its uncompressed bytes exactly this
// way: each CFDATA record contributes one extent, separated by the
// record's own header and reserve bytes, so random access into the
// folder without decompression means mapping a virtual offset back
// to the extent that holds it.
package multireaderat

import "io"

// Extent is one contiguous range in the backing reader, Len bytes
// starting at Off, appearing at its position in extent order in the
// virtual address space this package presents.
type Extent struct {
	Off, Len int64
}

type multiReaderAt struct {
	backing io.ReaderAt
	extents []Extent
	size    int64
}

// New returns a virtual io.ReaderAt whose contents are the backing
// reader's extents concatenated in order.
func New(backing io.ReaderAt, extents []Extent) io.ReaderAt {
	var size int64
	for _, e := range extents {
		size += e.Len
	}
	return &multiReaderAt{backing: backing, extents: extents, size: size}
}

func (r *multiReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= r.size {
		return 0, io.EOF
	}
	if want := r.size - off; int64(len(p)) > want {
		p = p[:want]
	}

	var n int
	virt := int64(0) // virtual offset of the extent currently examined
	for _, e := range r.extents {
		if n == len(p) {
			break
		}
		if off >= virt+e.Len {
			virt += e.Len
			continue
		}

		// Within this extent, how far in do we start and how much of
		// it do we still need.
		skip := int64(0)
		if off > virt {
			skip = off - virt
		}
		want := e.Len - skip
		if room := int64(len(p) - n); want > room {
			want = room
		}

		got, err := r.backing.ReadAt(p[n:n+int(want)], e.Off+skip)
		n += got
		if err != nil && err != io.EOF {
			return n, err
		}
		if int64(got) != want {
			return n, io.ErrUnexpectedEOF
		}

		virt += e.Len
		off = virt
	}

	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

// Size returns the virtual reader's total length.
func (r *multiReaderAt) Size() int64 { return r.size }
