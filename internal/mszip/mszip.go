// Package mszip implements the Microsoft MSZIP per-CFDATA framing:
// each CFDATA block's payload begins with the two-byte signature
// "CK" and holds one or more complete RFC1951 DEFLATE blocks ending
// in BFINAL, decoded against a history shared across every CFDATA
// block of a folder.
package mszip

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"

	"github.com/elliotnunn/cabfs/internal/bitstream"
	"github.com/elliotnunn/cabfs/internal/flate"
)

// ErrBadSignature is returned when a CFDATA block's payload does not
// start with "CK".
var ErrBadSignature = errors.New("mszip: missing CK signature")

// Decoder decodes a folder's sequence of CFDATA blocks, sharing one
// flate.Inflater and its history across every block.
type Decoder struct {
	inflater *flate.Inflater
}

// New returns a Decoder ready for the first CFDATA block of a folder.
func New() *Decoder {
	return &Decoder{inflater: flate.NewInflater()}
}

// DecodeBlock decodes one CFDATA block's raw bytes (signature
// included) and returns the uncompressed bytes it yields.
func (d *Decoder) DecodeBlock(raw []byte) ([]byte, error) {
	if len(raw) < 2 || raw[0] != 'C' || raw[1] != 'K' {
		return nil, fmt.Errorf("%w: got %q", ErrBadSignature, raw[:min(len(raw), 8)])
	}
	bits := bitstream.New(bufio.NewReader(bytes.NewReader(raw[2:])), bitstream.LSBFirst)
	return d.inflater.DecodeBlocks(bits)
}
