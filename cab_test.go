package cabfs

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/fs"
	"testing"
	"testing/fstest"
)

// buildCabinet assembles a single-folder, CompressNone cabinet holding
// the given files in order, each living back-to-back in one CFDATA
// block.
func buildCabinet(t *testing.T, files map[string][]byte, order []string) []byte {
	t.Helper()

	type placed struct {
		name string
		off  uint32
		data []byte
	}
	var all []placed
	var blob []byte
	for _, name := range order {
		data := files[name]
		all = append(all, placed{name: name, off: uint32(len(blob)), data: data})
		blob = append(blob, data...)
	}

	headerLen := 36
	folderTableLen := 4 + 2 + 2
	fileTableLen := 0
	for _, p := range all {
		fileTableLen += 4 + 4 + 2 + 2 + 2 + 2 + len(p.name) + 1
	}
	dataStart := headerLen + folderTableLen + fileTableLen
	total := dataStart + 4 + 2 + 2 + len(blob)

	var buf bytes.Buffer
	w := func(v any) { binary.Write(&buf, binary.LittleEndian, v) }

	w(uint32(0x4643534D)) // MSCF
	w(uint32(0))
	w(uint32(total))
	w(uint32(0))
	w(uint32(headerLen + folderTableLen))
	w(uint32(0))
	w(uint8(3))
	w(uint8(1))
	w(uint16(1)) // cFolders
	w(uint16(len(all)))
	w(uint16(0)) // flags
	w(uint16(0)) // setID
	w(uint16(0)) // iCabinet

	w(uint32(dataStart)) // coffCabStart
	w(uint16(1))         // cCFData
	w(uint16(0))         // typeCompress = CompressNone

	for _, p := range all {
		w(uint32(len(p.data)))
		w(p.off)
		w(uint16(0)) // iFolder
		w(uint16(0)) // date
		w(uint16(0)) // time
		w(uint16(0)) // attribs
		buf.WriteString(p.name)
		buf.WriteByte(0)
	}

	w(uint32(0)) // csum
	w(uint16(len(blob)))
	w(uint16(len(blob)))
	buf.Write(blob)

	return buf.Bytes()
}

func TestFSReadsNestedFile(t *testing.T) {
	files := map[string][]byte{
		`DOCS\readme.txt`: []byte("read me please"),
		`bin.dat`:          []byte("\x00\x01\x02\x03"),
	}
	order := []string{`DOCS\readme.txt`, `bin.dat`}
	raw := buildCabinet(t, files, order)

	fsys, err := New(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}

	f, err := fsys.Open("DOCS/readme.txt")
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "read me please" {
		t.Fatalf("got %q", got)
	}

	entries, err := fsys.ReadDir("DOCS")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "readme.txt" {
		t.Fatalf("ReadDir(DOCS) = %v", entries)
	}

	root, err := fsys.ReadDir(".")
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, e := range root {
		names[e.Name()] = true
	}
	if !names["DOCS"] || !names["bin.dat"] {
		t.Fatalf("root listing missing entries: %v", root)
	}
}

func TestFSStatAndListFiles(t *testing.T) {
	files := map[string][]byte{"a.txt": []byte("hello")}
	raw := buildCabinet(t, files, []string{"a.txt"})

	fsys, err := New(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}

	info, err := fsys.Stat("a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 5 {
		t.Fatalf("size = %d, want 5", info.Size())
	}

	list := fsys.ListFiles()
	if len(list) != 1 || list[0].Name != "a.txt" || list[0].Size != 5 {
		t.Fatalf("ListFiles = %+v", list)
	}

	major, minor := fsys.Version()
	if major != 1 || minor != 3 {
		t.Fatalf("Version = %d.%d, want 1.3", major, minor)
	}
	if fsys.CabinetSize() != uint32(len(raw)) {
		t.Fatalf("CabinetSize = %d, want %d", fsys.CabinetSize(), len(raw))
	}
}

func TestFSPassesFSTestTestFS(t *testing.T) {
	files := map[string][]byte{
		`DIR\one.txt`: []byte("one"),
		`two.txt`:      []byte("two"),
	}
	raw := buildCabinet(t, files, []string{`DIR\one.txt`, `two.txt`})

	fsys, err := New(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}

	if err := fstest.TestFS(fsys, "DIR/one.txt", "two.txt"); err != nil {
		t.Fatal(err)
	}
	var _ fs.FS = fsys
}
