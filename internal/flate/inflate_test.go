package flate

import (
	"bufio"
	"bytes"
	goflate "compress/flate"
	"math/rand/v2"
	"testing"

	"github.com/elliotnunn/cabfs/internal/bitstream"
)

func decodeAll(t *testing.T, compressed []byte) []byte {
	t.Helper()
	bits := bitstream.New(bufio.NewReader(bytes.NewReader(compressed)), bitstream.LSBFirst)
	f := NewInflater()
	var out []byte
	for {
		chunk, err := f.DecodeBlocks(bits)
		out = append(out, chunk...)
		if err != nil {
			t.Fatalf("DecodeBlocks: %v", err)
		}
		// DecodeBlocks returns once BFINAL is seen, which for a
		// single compress/flate stream means the whole payload.
		return out
	}
}

func stdlibDeflate(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := goflate.NewWriter(&buf, goflate.BestCompression)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(b); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestStoredBlockRoundTrip(t *testing.T) {
	// Stored block: header byte 01 (BFINAL=1, BTYPE=00), LEN 05 00,
	// NLEN FA FF, then "hello", which decodes to "hello".
	raw := []byte{0x01, 0x05, 0x00, 0xFA, 0xFF, 'h', 'e', 'l', 'l', 'o'}
	got := decodeAll(t, raw)
	if string(got) != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestFixedHuffmanVsStdlib(t *testing.T) {
	payload := bytes.Repeat([]byte("ABC"), 1024)
	compressed := stdlibDeflate(t, payload)
	got := decodeAll(t, compressed)
	if !bytes.Equal(got, payload) {
		t.Fatalf("mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestDynamicHuffmanVsStdlib(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	var payload []byte
	for range 20000 {
		payload = append(payload, byte(rng.IntN(6)))
	}
	for range 2000 {
		payload = append(payload, payload[max(0, len(payload)-4000):]...)
	}
	compressed := stdlibDeflate(t, payload)
	got := decodeAll(t, compressed)
	if !bytes.Equal(got, payload) {
		t.Fatalf("mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestOverlappingMatchCopy(t *testing.T) {
	// A run long enough to force the "mlen > dist" self-overlapping
	// copy path (e.g. a single repeated byte).
	payload := bytes.Repeat([]byte{'z'}, 5000)
	compressed := stdlibDeflate(t, payload)
	got := decodeAll(t, compressed)
	if !bytes.Equal(got, payload) {
		t.Fatalf("mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestHistoryPersistsAcrossDecodeBlocksCalls(t *testing.T) {
	// Mirrors MSZIP's CFDATA-to-CFDATA history carry-over: the second
	// chunk is compressed against a preset dictionary, so it only
	// decodes correctly if the first chunk's bytes are still present
	// in the Inflater's history when the second chunk is decoded.
	dict := bytes.Repeat([]byte("REPEAT-ME-"), 500) // well under 32KiB
	payload2 := bytes.Repeat([]byte("REPEAT-ME-MORE-"), 300)

	chunk1 := stdlibDeflate(t, dict)

	var buf2 bytes.Buffer
	w, err := goflate.NewWriterDict(&buf2, goflate.BestCompression, dict)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(payload2); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	chunk2 := buf2.Bytes()

	f := NewInflater()
	bits1 := bitstream.New(bufio.NewReader(bytes.NewReader(chunk1)), bitstream.LSBFirst)
	got1, err := f.DecodeBlocks(bits1)
	if err != nil {
		t.Fatalf("decoding chunk1: %v", err)
	}
	if !bytes.Equal(got1, dict) {
		t.Fatalf("chunk1 mismatch: got %d bytes, want %d", len(got1), len(dict))
	}

	bits2 := bitstream.New(bufio.NewReader(bytes.NewReader(chunk2)), bitstream.LSBFirst)
	got2, err := f.DecodeBlocks(bits2)
	if err != nil {
		t.Fatalf("decoding chunk2: %v", err)
	}
	if !bytes.Equal(got2, payload2) {
		t.Fatalf("chunk2 mismatch: got %d bytes, want %d", len(got2), len(payload2))
	}
}

func TestInvalidStoredBlockLength(t *testing.T) {
	raw := []byte{0x01, 0x05, 0x00, 0x00, 0x00, 'h', 'e', 'l', 'l', 'o'}
	bits := bitstream.New(bufio.NewReader(bytes.NewReader(raw)), bitstream.LSBFirst)
	f := NewInflater()
	if _, err := f.DecodeBlocks(bits); err != ErrInvalidBlockLength {
		t.Fatalf("got %v, want ErrInvalidBlockLength", err)
	}
}

func TestReservedBlockType(t *testing.T) {
	raw := []byte{0x07} // BFINAL=1, BTYPE=11
	bits := bitstream.New(bufio.NewReader(bytes.NewReader(raw)), bitstream.LSBFirst)
	f := NewInflater()
	if _, err := f.DecodeBlocks(bits); err != ErrInvalidBlockType {
		t.Fatalf("got %v, want ErrInvalidBlockType", err)
	}
}
