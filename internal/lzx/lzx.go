// Package lzx implements the Microsoft LZX decompressor used by CAB
// folders: a variable-size sliding window, three recent match
// offsets, verbatim/aligned/uncompressed block types, and x86 "call"
// post-processing. Decoder is a pull-based io.Reader: it decodes
// exactly as many LZX blocks as needed to satisfy each Read call,
// buffering whole 32768-byte output frames so x86 post-processing
// always sees a complete frame.
package lzx

import (
	"errors"
	"io"

	"github.com/elliotnunn/cabfs/internal/bitstream"
	"github.com/elliotnunn/cabfs/internal/huffman"
)

const (
	frameSize        = 32768
	numChars         = 256
	numSecondaryLens = 249
	numPrimaryLens   = 7
	minMatch         = 2
	instrCall        = 0xE8

	blockVerbatim     = 1
	blockAligned      = 2
	blockUncompressed = 3
)

// positionSlotsTable holds the number of position slots for each
// supported window size, indexed by wbits-15. LZX defines four more
// entries for extended windows beyond wbits 21, which this decoder
// rejects before they would be consulted.
var positionSlotsTable = [7]uint32{30, 32, 34, 36, 38, 42, 50}

var (
	// ErrInvalidWindowBits is a CFFOLDER compression type whose window
	// size falls outside [15,21].
	ErrInvalidWindowBits = errors.New("lzx: window bits out of range")
	// ErrInvalidBlockType is a reserved or unrecognised LZX block type.
	ErrInvalidBlockType = errors.New("lzx: invalid block type")
	// ErrInvalidBlockLength is a zero-length LZX block.
	ErrInvalidBlockLength = errors.New("lzx: zero-length block")
	// ErrInvalidMatch is a back-reference offset exceeding the window.
	ErrInvalidMatch = errors.New("lzx: match offset exceeds window")
)

// Decoder decodes one CAB folder's continuous LZX bit-stream, built
// by concatenating the folder's CFDATA payloads in order (LZX has no
// per-CFDATA framing analogous to MSZIP's "CK" marker).
type Decoder struct {
	wbits uint
	wsize uint32
	mask  uint32

	window []byte
	winpos uint32

	r0, r1, r2 uint32

	xbits [102]uint
	pbase [102]uint32
	offs  uint32 // numPositionSlots * 8

	bits *bitstream.Stream

	mainLens   []int
	lengthLens []int
	mainTree   *huffman.Tree
	lengthTree *huffman.Tree
	alignTree  *huffman.Tree

	headerRead    bool
	preprocessing bool
	ifs           int64
	icp           int32

	blockType      int
	blockRemaining int
	prevBlockOdd   bool

	remaining int // folder-wide output bytes still to decode
	frameBuf  []byte
	outQueue  []byte
}

// New returns a Decoder for one folder: compType is CFFOLDER's
// typeCompress word (window bits in bits [12:8]) and totalUncompressed
// is the sum of cbUncomp across the folder's CFDATA records.
func New(src bitstream.ByteReader, compType uint32, totalUncompressed int) (*Decoder, error) {
	wbits := uint((compType >> 8) & 0x1f)
	if wbits < 15 || wbits > 21 {
		return nil, ErrInvalidWindowBits
	}

	d := &Decoder{
		wbits:     wbits,
		wsize:     1 << wbits,
		r0:        1, r1: 1, r2: 1,
		bits:      bitstream.NewWordSwapped(src, bitstream.MSBFirst),
		remaining: totalUncompressed,
	}
	d.mask = d.wsize - 1
	d.window = make([]byte, d.wsize)

	j := uint(0)
	idx := 0
	for i := 0; i < 51; i++ {
		d.xbits[idx] = j
		idx++
		d.xbits[idx] = j
		idx++
		if i != 0 && j < 17 {
			j++
		}
	}
	pj := uint32(0)
	for i := range d.pbase {
		d.pbase[i] = pj
		pj += 1 << d.xbits[i]
	}

	d.offs = positionSlotsTable[wbits-15] << 3
	d.mainLens = make([]int, numChars+int(d.offs))
	d.lengthLens = make([]int, numSecondaryLens)
	d.mainTree = huffman.New()
	d.lengthTree = huffman.New()
	d.alignTree = huffman.New()

	return d, nil
}

// Read pulls decoded LZX output, decoding blocks and flushing complete
// 32768-byte frames (through x86 post-processing) as needed.
func (d *Decoder) Read(p []byte) (int, error) {
	for len(d.outQueue) == 0 {
		if d.remaining == 0 && len(d.frameBuf) == 0 {
			return 0, io.EOF
		}
		if err := d.pump(); err != nil {
			return 0, err
		}
		d.outQueue = append(d.outQueue, d.drainFrames()...)
	}
	n := copy(p, d.outQueue)
	d.outQueue = d.outQueue[n:]
	return n, nil
}

func (d *Decoder) ensureHeader() error {
	if d.headerRead {
		return nil
	}
	d.headerRead = true
	flag, err := d.bits.ReadBits(1)
	if err != nil {
		return err
	}
	d.preprocessing = flag == 1
	if d.preprocessing {
		hi, err := d.bits.ReadBits(16)
		if err != nil {
			return err
		}
		lo, err := d.bits.ReadBits(16)
		if err != nil {
			return err
		}
		d.ifs = int64(hi)<<16 | int64(lo)
	}
	return nil
}

// pump decodes whole blocks until the frame buffer holds at least one
// full frame or the folder's output is exhausted.
func (d *Decoder) pump() error {
	if err := d.ensureHeader(); err != nil {
		return err
	}
	for d.remaining > 0 && len(d.frameBuf) < frameSize {
		if d.blockRemaining == 0 {
			if err := d.startBlock(); err != nil {
				return err
			}
		}
		chunk, err := d.decodeCurrentBlock()
		d.frameBuf = append(d.frameBuf, chunk...)
		d.remaining -= len(chunk)
		if err != nil {
			return err
		}
	}
	return nil
}

// drainFrames splits complete (or, at folder end, final partial)
// frames off the front of frameBuf, post-processes each, and returns
// their concatenation.
func (d *Decoder) drainFrames() []byte {
	var out []byte
	for len(d.frameBuf) >= frameSize || (d.remaining == 0 && len(d.frameBuf) > 0) {
		n := frameSize
		if len(d.frameBuf) < n {
			n = len(d.frameBuf)
		}
		frame := d.frameBuf[:n]
		d.frameBuf = d.frameBuf[n:]
		out = append(out, d.postProcess(frame)...)
	}
	return out
}

func (d *Decoder) startBlock() error {
	if d.blockType == blockUncompressed && d.prevBlockOdd {
		d.bits.EnterByteMode()
		_, err := d.bits.ReadByte()
		d.bits.LeaveByteMode()
		if err != nil {
			return err
		}
		d.prevBlockOdd = false
	}

	btype, err := d.bits.ReadBits(3)
	if err != nil {
		return err
	}
	hi, err := d.bits.ReadBits(16)
	if err != nil {
		return err
	}
	lo, err := d.bits.ReadBits(8)
	if err != nil {
		return err
	}
	blen := int(hi)<<8 | int(lo)
	if blen == 0 {
		return ErrInvalidBlockLength
	}

	switch btype {
	case blockVerbatim:
		err = d.initVerbatim()
	case blockAligned:
		err = d.initAligned()
	case blockUncompressed:
		err = d.initUncompressed()
	default:
		return ErrInvalidBlockType
	}
	if err != nil {
		return err
	}

	d.blockType = int(btype)
	d.blockRemaining = blen
	d.prevBlockOdd = btype == blockUncompressed && blen%2 == 1
	return nil
}

// updateLengths decodes the pre-tree for [start,stop) of lens and
// applies its differential length updates, per MS-PATCH section
// 2.5.5.1: symbols 0-16 are a delta applied to the existing length at
// that slot; 17/18 are zero-runs; 19 is a short run of one
// delta-adjusted value.
func (d *Decoder) updateLengths(lens []int, start, stop int) error {
	var ptLens [20]int
	for i := range ptLens {
		v, err := d.bits.ReadBits(4)
		if err != nil {
			return err
		}
		ptLens[i] = int(v)
	}
	book, err := huffman.InitCodebook(ptLens[:])
	if err != nil {
		return err
	}
	ptree := huffman.New()
	if err := ptree.Load(book); err != nil {
		return err
	}

	fill := func(at, run, v int) {
		if at+run > len(lens) {
			run = len(lens) - at
		}
		for j := 0; j < run; j++ {
			lens[at+j] = v
		}
	}

	i := start
	for i < stop {
		sym, err := ptree.DecodeNext(d.bits)
		if err != nil {
			return err
		}
		switch sym {
		case 17:
			extra, err := d.bits.ReadBits(4)
			if err != nil {
				return err
			}
			run := int(extra) + 4
			fill(i, run, 0)
			i += run
		case 18:
			extra, err := d.bits.ReadBits(5)
			if err != nil {
				return err
			}
			run := int(extra) + 20
			fill(i, run, 0)
			i += run
		case 19:
			extra, err := d.bits.ReadBits(1)
			if err != nil {
				return err
			}
			run := int(extra) + 4
			nsym, err := ptree.DecodeNext(d.bits)
			if err != nil {
				return err
			}
			v := lens[i] - nsym
			if v < 0 {
				v += 17
			}
			fill(i, run, v)
			i += run
		default:
			v := lens[i] - sym
			if v < 0 {
				v += 17
			}
			lens[i] = v
			i++
		}
	}
	return nil
}

func (d *Decoder) initVerbatim() error {
	if err := d.updateLengths(d.mainLens, 0, numChars); err != nil {
		return err
	}
	if err := d.updateLengths(d.mainLens, numChars, numChars+int(d.offs)); err != nil {
		return err
	}
	d.mainTree.Reset()
	book, err := huffman.InitCodebook(d.mainLens)
	if err != nil {
		return err
	}
	if err := d.mainTree.Load(book); err != nil {
		return err
	}

	if err := d.updateLengths(d.lengthLens, 0, numSecondaryLens); err != nil {
		return err
	}
	d.lengthTree.Reset()
	lbook, err := huffman.InitCodebook(d.lengthLens)
	if err != nil {
		return err
	}
	return d.lengthTree.Load(lbook)
}

func (d *Decoder) initAligned() error {
	alignLens := make([]int, 8)
	for i := range alignLens {
		v, err := d.bits.ReadBits(3)
		if err != nil {
			return err
		}
		alignLens[i] = int(v)
	}
	d.alignTree.Reset()
	book, err := huffman.InitCodebook(alignLens)
	if err != nil {
		return err
	}
	if err := d.alignTree.Load(book); err != nil {
		return err
	}
	return d.initVerbatim()
}

func (d *Decoder) initUncompressed() error {
	// LZX always skips to the next 16-bit boundary here, even
	// discarding a full spare word when already aligned.
	need := 16 - (d.bits.BitOffset() % 16)
	if _, err := d.bits.ReadBits(uint(need)); err != nil {
		return err
	}

	d.bits.EnterByteMode()
	r0, err := d.readUint32LE()
	if err == nil {
		var r1, r2 uint32
		r1, err = d.readUint32LE()
		if err == nil {
			r2, err = d.readUint32LE()
			if err == nil {
				d.r0, d.r1, d.r2 = r0, r1, r2
			}
		}
	}
	d.bits.LeaveByteMode()
	return err
}

func (d *Decoder) readUint32LE() (uint32, error) {
	var b [4]byte
	for i := range b {
		v, err := d.bits.ReadByte()
		if err != nil {
			return 0, err
		}
		b[i] = v
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (d *Decoder) decodeCurrentBlock() ([]byte, error) {
	if d.blockType == blockUncompressed {
		return d.decodeUncompressed()
	}
	return d.decodeHuffman(d.blockType == blockAligned)
}

func (d *Decoder) decodeUncompressed() ([]byte, error) {
	n := d.blockRemaining
	out := make([]byte, 0, n)
	d.bits.EnterByteMode()
	defer d.bits.LeaveByteMode()
	for i := 0; i < n; i++ {
		b, err := d.bits.ReadByte()
		if err != nil {
			d.blockRemaining -= len(out)
			return out, err
		}
		if err := d.emitByte(b, false); err != nil {
			d.blockRemaining -= len(out)
			return out, err
		}
		out = append(out, b)
	}
	d.blockRemaining = 0
	return out, nil
}

func (d *Decoder) decodeHuffman(aligned bool) ([]byte, error) {
	var out []byte
	for d.blockRemaining > 0 {
		sym, err := d.mainTree.DecodeNext(d.bits)
		if err != nil {
			return out, err
		}

		if sym < numChars {
			if err := d.emitByte(byte(sym), true); err != nil {
				return out, err
			}
			out = append(out, byte(sym))
			d.blockRemaining--
			continue
		}

		t := sym - numChars
		slot := t >> 3
		footer := t & 7
		mlen := footer
		if footer == numPrimaryLens {
			extraSym, err := d.lengthTree.DecodeNext(d.bits)
			if err != nil {
				return out, err
			}
			mlen += extraSym
		}
		mlen += minMatch

		offset, err := d.decodeOffset(slot, aligned)
		if err != nil {
			return out, err
		}

		chunk, err := d.copyMatch(offset, mlen)
		out = append(out, chunk...)
		d.blockRemaining -= len(chunk)
		if err != nil {
			return out, err
		}
	}
	if d.blockRemaining < 0 {
		d.blockRemaining = 0
	}
	return out, nil
}

// decodeOffset resolves a match's position slot into an absolute
// offset, updating R0/R1/R2 per the LRU rules of MS-PATCH section
// 2.5.5.2. Slots 0-2 reuse a recent offset; slot 3 in verbatim mode
// and every slot using zero extra bits collapse to the same "offset
// one" case, so only 0-2 need separate handling here.
func (d *Decoder) decodeOffset(slot int, aligned bool) (uint32, error) {
	switch slot {
	case 0:
		return d.r0, nil
	case 1:
		offset := d.r1
		d.r1, d.r0 = d.r0, offset
		return offset, nil
	case 2:
		offset := d.r2
		d.r2, d.r0 = d.r0, offset
		return offset, nil
	}

	ext := d.xbits[slot]
	base := d.pbase[slot] - 2
	var offset uint32
	switch {
	case aligned && ext > 3:
		v, err := d.bits.ReadBits(ext - 3)
		if err != nil {
			return 0, err
		}
		asym, err := d.alignTree.DecodeNext(d.bits)
		if err != nil {
			return 0, err
		}
		offset = base + (v << 3) + uint32(asym)
	case aligned && ext == 3:
		asym, err := d.alignTree.DecodeNext(d.bits)
		if err != nil {
			return 0, err
		}
		offset = base + uint32(asym)
	case ext > 0:
		v, err := d.bits.ReadBits(ext)
		if err != nil {
			return 0, err
		}
		offset = base + v
	default:
		offset = 1
	}
	d.r2, d.r1, d.r0 = d.r1, d.r0, offset
	return offset, nil
}

// emitByte writes b into the circular window, advancing winpos and,
// for verbatim/aligned blocks, word-aligning the bit-stream whenever
// winpos crosses a 32768-byte frame boundary. Uncompressed blocks read
// the stream in byte-mode throughout, so they skip the word-align: it
// would consume a raw data byte as if it were padding, and that byte
// is gone for good since byte-mode reads never refill from the
// bit-mode side. The reference decoder's decUncomp never word-aligns
// either, only decVerbatim/decAligned do.
func (d *Decoder) emitByte(b byte, align bool) error {
	d.window[d.winpos&d.mask] = b
	d.winpos = (d.winpos + 1) & d.mask
	if align && d.winpos&uint32(frameSize-1) == 0 {
		if err := d.bits.WordAlign(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decoder) copyMatch(offset uint32, mlen int) ([]byte, error) {
	if offset == 0 || offset > d.wsize {
		return nil, ErrInvalidMatch
	}
	out := make([]byte, 0, mlen)
	for i := 0; i < mlen; i++ {
		b := d.window[(d.winpos-offset)&d.mask]
		if err := d.emitByte(b, true); err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}

// postProcess applies x86 CALL-instruction address translation to a
// complete output frame. It is a no-op unless the folder declared the
// preprocessing flag, a nonzero file size, and the main tree's 0xE8
// symbol carries a nonzero code length (the real decompressor's
// heuristic for "this file contains no calls worth patching").
func (d *Decoder) postProcess(frame []byte) []byte {
	if !d.preprocessing || d.ifs == 0 || d.mainLens[instrCall] == 0 {
		d.icp += int32(len(frame))
		return frame
	}

	// The last 10 bytes of a frame never start a rewrite: a CALL
	// instruction needs 5 bytes (opcode + 4-byte offset) and frames
	// are processed without lookahead into the next one.
	limit := len(frame) - 10
	if limit < 0 {
		limit = 0
	}

	out := append([]byte(nil), frame...)
	base := d.icp
	for i := 0; i < limit; i++ {
		if out[i] != instrCall {
			continue
		}
		absoff := int32(uint32(out[i+1]) | uint32(out[i+2])<<8 | uint32(out[i+3])<<16 | uint32(out[i+4])<<24)
		pos := base + int32(i)
		if absoff >= -pos && int64(absoff) < d.ifs {
			var reloff int32
			if absoff >= 0 {
				reloff = absoff - pos
			} else {
				reloff = absoff + int32(d.ifs)
			}
			out[i+1] = byte(reloff)
			out[i+2] = byte(reloff >> 8)
			out[i+3] = byte(reloff >> 16)
			out[i+4] = byte(reloff >> 24)
		}
		i += 4
	}
	d.icp += int32(len(frame))
	return out
}
