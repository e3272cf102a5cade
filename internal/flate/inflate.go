// Package flate implements an RFC1951 DEFLATE inflater driven by a
// bitstream.Stream and a huffman.Tree per block. It keeps a 32 KiB
// history across calls to DecodeBlocks, so a caller (the mszip
// package) can feed it one CFDATA block's bits at a time while
// back-references still reach across CFDATA boundaries within the
// same folder.
package flate

import (
	"errors"
	"fmt"

	"github.com/elliotnunn/cabfs/internal/bitstream"
	"github.com/elliotnunn/cabfs/internal/huffman"
)

const maxHistory = 32768

var (
	// ErrInvalidBlockType is the reserved DEFLATE block type 0b11.
	ErrInvalidBlockType = errors.New("flate: invalid block type")
	// ErrInvalidBlockLength is a stored block whose LEN/NLEN don't complement.
	ErrInvalidBlockLength = errors.New("flate: stored block length mismatch")
	// ErrInvalidMatch is a back-reference distance exceeding available history.
	ErrInvalidMatch = errors.New("flate: match distance exceeds history")
	// ErrInvalidCodebook is a code-length stream that cites a previous
	// length before any exists, or overruns the length table.
	ErrInvalidCodebook = errors.New("flate: invalid dynamic code table")
)

var codeOrder = [19]int{16, 17, 18, 0, 8, 7, 9, 6, 10, 5, 11, 4, 12, 3, 13, 2, 14, 1, 15}

// Inflater decodes a sequence of DEFLATE blocks, maintaining history
// across calls to DecodeBlocks. One Inflater is shared by every
// CFDATA block of a folder using MSZIP.
type Inflater struct {
	history   []byte
	fixedLit  *huffman.Tree
	fixedDist *huffman.Tree
}

// NewInflater returns an Inflater with the fixed literal/length and
// distance trees of RFC1951 section 3.2.6 pre-built.
func NewInflater() *Inflater {
	f := &Inflater{
		fixedLit:  huffman.New(),
		fixedDist: huffman.New(),
	}

	litLens := make([]int, 288)
	for i := 0; i < 144; i++ {
		litLens[i] = 8
	}
	for i := 144; i < 256; i++ {
		litLens[i] = 9
	}
	for i := 256; i < 280; i++ {
		litLens[i] = 7
	}
	for i := 280; i < 288; i++ {
		litLens[i] = 8
	}
	book, err := huffman.InitCodebook(litLens)
	if err != nil {
		panic(err) // fixed table is a compile-time constant, never invalid
	}
	if err := f.fixedLit.Load(book); err != nil {
		panic(err)
	}

	distLens := make([]int, 32)
	for i := range distLens {
		distLens[i] = 5
	}
	book, err = huffman.InitCodebook(distLens)
	if err != nil {
		panic(err)
	}
	if err := f.fixedDist.Load(book); err != nil {
		panic(err)
	}

	return f
}

// DecodeBlocks reads DEFLATE blocks from bits until BFINAL is set,
// appending their output to the Inflater's history and returning just
// the bytes produced by this call.
func (f *Inflater) DecodeBlocks(bits *bitstream.Stream) ([]byte, error) {
	start := len(f.history)
	for {
		final, err := bits.ReadBits(1)
		if err != nil {
			return nil, err
		}
		btype, err := bits.ReadBits(2)
		if err != nil {
			return nil, err
		}

		switch btype {
		case 0:
			if err := f.storedBlock(bits); err != nil {
				return nil, err
			}
		case 1:
			if err := f.huffmanBlock(bits, f.fixedLit, f.fixedDist); err != nil {
				return nil, err
			}
		case 2:
			lit, dist, err := f.readDynamicTrees(bits)
			if err != nil {
				return nil, err
			}
			if err := f.huffmanBlock(bits, lit, dist); err != nil {
				return nil, err
			}
		default:
			return nil, ErrInvalidBlockType
		}

		if final == 1 {
			break
		}
	}

	out := append([]byte(nil), f.history[start:]...)
	f.trimHistory()
	return out, nil
}

func (f *Inflater) trimHistory() {
	if len(f.history) > maxHistory {
		f.history = append([]byte(nil), f.history[len(f.history)-maxHistory:]...)
	}
}

func (f *Inflater) emit(b byte) {
	f.history = append(f.history, b)
}

func (f *Inflater) storedBlock(bits *bitstream.Stream) error {
	if err := bits.ByteAlign(); err != nil {
		return err
	}
	lenLo, err := bits.ReadByte()
	if err != nil {
		return err
	}
	lenHi, err := bits.ReadByte()
	if err != nil {
		return err
	}
	nlenLo, err := bits.ReadByte()
	if err != nil {
		return err
	}
	nlenHi, err := bits.ReadByte()
	if err != nil {
		return err
	}
	length := uint16(lenLo) | uint16(lenHi)<<8
	nlength := uint16(nlenLo) | uint16(nlenHi)<<8
	if length != ^nlength {
		return ErrInvalidBlockLength
	}
	for i := uint16(0); i < length; i++ {
		b, err := bits.ReadByte()
		if err != nil {
			return err
		}
		f.emit(b)
	}
	return nil
}

// readDynamicTrees decodes the HLIT/HDIST/HCLEN header and the
// code-length alphabet per RFC1951 section 3.2.7, returning the
// literal/length and distance trees it builds. A distance table with
// no nonzero lengths (the common "HDIST=1, length 0" encoding of "no
// matches in this block") builds to an empty tree; it is only used if
// a match symbol actually appears, which then fails with ErrOffTree.
func (f *Inflater) readDynamicTrees(bits *bitstream.Stream) (lit, dist *huffman.Tree, err error) {
	hlit, err := bits.ReadBits(5)
	if err != nil {
		return nil, nil, err
	}
	hdist, err := bits.ReadBits(5)
	if err != nil {
		return nil, nil, err
	}
	hclen, err := bits.ReadBits(4)
	if err != nil {
		return nil, nil, err
	}
	nlit := int(hlit) + 257
	ndist := int(hdist) + 1
	nclen := int(hclen) + 4

	var clLens [19]int
	for i := 0; i < nclen; i++ {
		v, err := bits.ReadBits(3)
		if err != nil {
			return nil, nil, err
		}
		clLens[codeOrder[i]] = int(v)
	}

	clBook, err := huffman.InitCodebook(clLens[:])
	if err != nil {
		return nil, nil, err
	}
	clTree := huffman.New()
	if err := clTree.Load(clBook); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidCodebook, err)
	}

	total := nlit + ndist
	lens := make([]int, total)
	i := 0
	for i < total {
		sym, err := clTree.DecodeNext(bits)
		if err != nil {
			return nil, nil, err
		}
		switch {
		case sym < 16:
			lens[i] = sym
			i++
		case sym == 16:
			if i == 0 {
				return nil, nil, fmt.Errorf("%w: length copy with no prior length", ErrInvalidCodebook)
			}
			extra, err := bits.ReadBits(2)
			if err != nil {
				return nil, nil, err
			}
			rep := int(extra) + 3
			if i+rep > total {
				return nil, nil, fmt.Errorf("%w: length run overruns table", ErrInvalidCodebook)
			}
			prev := lens[i-1]
			for j := 0; j < rep; j++ {
				lens[i] = prev
				i++
			}
		case sym == 17:
			extra, err := bits.ReadBits(3)
			if err != nil {
				return nil, nil, err
			}
			rep := int(extra) + 3
			if i+rep > total {
				return nil, nil, fmt.Errorf("%w: length run overruns table", ErrInvalidCodebook)
			}
			i += rep
		case sym == 18:
			extra, err := bits.ReadBits(7)
			if err != nil {
				return nil, nil, err
			}
			rep := int(extra) + 11
			if i+rep > total {
				return nil, nil, fmt.Errorf("%w: length run overruns table", ErrInvalidCodebook)
			}
			i += rep
		default:
			return nil, nil, fmt.Errorf("%w: invalid code-length symbol %d", ErrInvalidCodebook, sym)
		}
	}

	litBook, err := huffman.InitCodebook(lens[:nlit])
	if err != nil {
		return nil, nil, err
	}
	lit = huffman.New()
	if err := lit.Load(litBook); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidCodebook, err)
	}

	distBook, err := huffman.InitCodebook(lens[nlit:])
	if err != nil {
		return nil, nil, err
	}
	dist = huffman.New()
	if err := dist.Load(distBook); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidCodebook, err)
	}

	return lit, dist, nil
}

func (f *Inflater) huffmanBlock(bits *bitstream.Stream, lit, dist *huffman.Tree) error {
	for {
		sym, err := lit.DecodeNext(bits)
		if err != nil {
			return err
		}
		switch {
		case sym < 256:
			f.emit(byte(sym))
		case sym == 256:
			return nil
		default:
			mlen, err := matchLength(sym, bits)
			if err != nil {
				return err
			}
			dsym, err := dist.DecodeNext(bits)
			if err != nil {
				return err
			}
			d, err := matchDistance(dsym, bits)
			if err != nil {
				return err
			}
			if err := f.copyMatch(d, mlen); err != nil {
				return err
			}
		}
	}
}

// matchLength decodes symbols 257..285 into lengths 3..258 per
// RFC1951 section 3.2.5.
func matchLength(sym int, bits *bitstream.Stream) (int, error) {
	switch {
	case sym < 257 || sym > 285:
		return 0, fmt.Errorf("%w: invalid length symbol %d", ErrInvalidCodebook, sym)
	case sym <= 264:
		return sym - 254, nil
	case sym <= 284:
		xbits := uint((sym - 261) / 4)
		extra, err := bits.ReadBits(xbits)
		if err != nil {
			return 0, err
		}
		return (((sym-265)%4+4)<<xbits) + 3 + int(extra), nil
	default: // 285
		return 258, nil
	}
}

// matchDistance decodes symbols 0..29 into distances 1..32768 per
// RFC1951 section 3.2.5.
func matchDistance(sym int, bits *bitstream.Stream) (int, error) {
	if sym > 29 {
		return 0, fmt.Errorf("%w: invalid distance symbol %d", ErrInvalidCodebook, sym)
	}
	if sym <= 3 {
		return sym + 1, nil
	}
	xbits := uint(sym/2 - 1)
	extra, err := bits.ReadBits(xbits)
	if err != nil {
		return 0, err
	}
	return ((sym%2+2)<<xbits) + 1 + int(extra), nil
}

// copyMatch appends mlen bytes taken dist bytes back in history,
// handling the overlap case (mlen > dist) byte-by-byte so the
// just-emitted bytes participate in the copy.
func (f *Inflater) copyMatch(dist, mlen int) error {
	if dist > len(f.history) {
		return ErrInvalidMatch
	}
	start := len(f.history) - dist
	for i := 0; i < mlen; i++ {
		f.emit(f.history[start+i])
	}
	return nil
}
