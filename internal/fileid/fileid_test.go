package fileid

import (
	"bytes"
	"testing"
)

func TestGetIsDeterministic(t *testing.T) {
	r := bytes.NewReader(nil)
	a := Get(r, 1, 0, 2, 100, "README.txt")
	b := Get(r, 1, 0, 2, 100, "README.txt")
	if a != b {
		t.Fatalf("Get is not deterministic: %v != %v", a, b)
	}
}

func TestGetDistinguishesFiles(t *testing.T) {
	r := bytes.NewReader(nil)
	a := Get(r, 1, 0, 2, 100, "README.txt")
	b := Get(r, 1, 0, 2, 200, "README.txt")
	c := Get(r, 1, 0, 2, 100, "OTHER.txt")
	if a == b || a == c || b == c {
		t.Fatalf("distinct identities collided: %v %v %v", a, b, c)
	}
}

func TestGetWithoutInodeLeavesFirstBytesZero(t *testing.T) {
	r := bytes.NewReader(nil) // not an *os.File: inode lookup fails
	id := Get(r, 1, 0, 2, 100, "README.txt")
	for i := 0; i < 8; i++ {
		if id[i] != 0 {
			t.Fatalf("expected zero inode bytes without an *os.File backing, got %v", id[:8])
		}
	}
}
