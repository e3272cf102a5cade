package multireaderat

import (
	"bytes"
	"io"
	"testing"
)

func TestReadAtAcrossExtents(t *testing.T) {
	backing := bytes.NewReader([]byte("AAAA____BBBBBB__CCC"))
	ra := New(backing, []Extent{
		{Off: 0, Len: 4},  // "AAAA"
		{Off: 8, Len: 6},  // "BBBBBB"
		{Off: 16, Len: 3}, // "CCC"
	})

	got := make([]byte, 13)
	n, err := ra.ReadAt(got, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 13 || string(got) != "AAAABBBBBBCCC" {
		t.Fatalf("got %q (%d), want %q", got, n, "AAAABBBBBBCCC")
	}
}

func TestReadAtMidExtentOffset(t *testing.T) {
	backing := bytes.NewReader([]byte("AAAA____BBBBBB__CCC"))
	ra := New(backing, []Extent{
		{Off: 0, Len: 4},
		{Off: 8, Len: 6},
		{Off: 16, Len: 3},
	})

	got := make([]byte, 4)
	n, err := ra.ReadAt(got, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 || string(got) != "AABB" {
		t.Fatalf("got %q, want %q", got, "AABB")
	}
}

func TestReadAtPastEndReturnsEOF(t *testing.T) {
	backing := bytes.NewReader([]byte("AAAA"))
	ra := New(backing, []Extent{{Off: 0, Len: 4}})

	got := make([]byte, 4)
	_, err := ra.ReadAt(got, 4)
	if err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
}

func TestReadAtTruncatesAtTotalSize(t *testing.T) {
	backing := bytes.NewReader([]byte("AAAABBBB"))
	ra := New(backing, []Extent{{Off: 0, Len: 4}, {Off: 4, Len: 4}})

	got := make([]byte, 100)
	n, err := ra.ReadAt(got, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 6 || string(got[:n]) != "AABBBB" {
		t.Fatalf("got %q (%d), want %q (6)", got[:n], n, "AABBBB")
	}
}
