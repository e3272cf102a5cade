package bitstream

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
)

func newTestStream(b []byte, order Order) *Stream {
	return New(bufio.NewReader(bytes.NewReader(b)), order)
}

func TestReadBitsLSBFirst(t *testing.T) {
	// 0b10110010 read LSB-first bit by bit gives, as a 3-bit then
	// 5-bit group: low 3 bits = 0b010 = 2, next 5 bits = 0b10110 = 22.
	s := newTestStream([]byte{0b10110010}, LSBFirst)
	v, err := s.ReadBits(3)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0b010 {
		t.Fatalf("got %b want %b", v, 0b010)
	}
	v, err = s.ReadBits(5)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0b10110 {
		t.Fatalf("got %b want %b", v, 0b10110)
	}
}

func TestReadBitsMSBFirst(t *testing.T) {
	s := newTestStream([]byte{0b10110010}, MSBFirst)
	v, err := s.ReadBits(4)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0b1011 {
		t.Fatalf("got %b want %b", v, 0b1011)
	}
	v, err = s.ReadBits(4)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0b0010 {
		t.Fatalf("got %b want %b", v, 0b0010)
	}
}

func TestByteAlign(t *testing.T) {
	s := newTestStream([]byte{0xff, 0xAB}, LSBFirst)
	if _, err := s.ReadBits(3); err != nil {
		t.Fatal(err)
	}
	if err := s.ByteAlign(); err != nil {
		t.Fatal(err)
	}
	if s.BitOffset() != 8 {
		t.Fatalf("offset = %d, want 8", s.BitOffset())
	}
	b, err := s.ReadByte()
	if err != nil {
		t.Fatal(err)
	}
	if b != 0xAB {
		t.Fatalf("got %x want %x", b, 0xAB)
	}
}

func TestWordSwap(t *testing.T) {
	// raw bytes (0x11, 0x22, 0x33, 0x44) come out word-swapped as
	// (0x22, 0x11, 0x44, 0x33).
	s := NewWordSwapped(bufio.NewReader(bytes.NewReader([]byte{0x11, 0x22, 0x33, 0x44})), MSBFirst)
	for _, want := range []byte{0x22, 0x11, 0x44, 0x33} {
		b, err := s.ReadByte()
		if err != nil {
			t.Fatal(err)
		}
		if b != want {
			t.Fatalf("got %x want %x", b, want)
		}
	}
}

func TestByteModeBypassesSwap(t *testing.T) {
	s := NewWordSwapped(bufio.NewReader(bytes.NewReader([]byte{0x11, 0x22, 0x33})), MSBFirst)
	b, err := s.ReadByte()
	if err != nil {
		t.Fatal(err)
	}
	if b != 0x22 {
		t.Fatalf("got %x want %x (expected word-swapped)", b, 0x22)
	}
	// entering byte mode here would normally require alignment to a
	// fresh word boundary in LZX; exercised here purely for the
	// swap-bypass behavior.
	s2 := NewWordSwapped(bufio.NewReader(bytes.NewReader([]byte{0x11, 0x22, 0x33, 0x44})), MSBFirst)
	s2.EnterByteMode()
	for _, want := range []byte{0x11, 0x22, 0x33, 0x44} {
		b, err := s2.ReadByte()
		if err != nil {
			t.Fatal(err)
		}
		if b != want {
			t.Fatalf("got %x want %x", b, want)
		}
	}
}

func TestShortRead(t *testing.T) {
	s := newTestStream([]byte{0xff}, LSBFirst)
	if _, err := s.ReadBits(8); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReadBit(); !errors.Is(err, ErrShortRead) {
		t.Fatalf("got %v, want ErrShortRead", err)
	}
}
