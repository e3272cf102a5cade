// Package fileid derives a stable identity for one CFFILE entry
// inside a cabinet set. Two files are the same identity only if they
// share the cabinet set's setID, the folder they live in, their byte
// offset within that folder's uncompressed stream, and their name:
// the same combination a real rebuild of the same set would reproduce.
package fileid

import (
	"encoding/binary"
	"errors"
	"io"
	"path"

	"github.com/cespare/xxhash/v2"
)

// ID is a 16-byte file identity. The first 8 bytes are the backing
// cabinet's inode number when the archive reader exposes one; the
// next 4 are an xxhash digest of the file's position within its
// cabinet set. The final 4 bytes are reserved and always zero.
type ID [16]byte

// ErrNotOS is returned by inode when the backing reader is not an
// *os.File, or the platform exposes no inode number.
var ErrNotOS = errors.New("fileid: backing reader exposes no inode")

// Get derives the identity of one CFFILE. archive is the reader the
// cabinet was opened from; its inode, when available, disambiguates
// two cabinets that happen to share a setID because one was copied
// from the other.
func Get(archive io.ReaderAt, setID, iCabinet, iFolder uint16, uoffFolderStart uint32, name string) ID {
	var id ID

	if ino, err := inode(archive); err == nil {
		binary.BigEndian.PutUint64(id[:8], ino)
	}

	h := xxhash.New()
	binary.Write(h, binary.BigEndian, setID)
	binary.Write(h, binary.BigEndian, iCabinet)
	binary.Write(h, binary.BigEndian, iFolder)
	binary.Write(h, binary.BigEndian, uoffFolderStart)
	h.WriteString(path.Base(name))
	binary.BigEndian.PutUint32(id[8:12], uint32(h.Sum64()))

	return id
}
