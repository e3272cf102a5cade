//go:build unix

package fileid

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

func inode(r io.ReaderAt) (uint64, error) {
	f, ok := r.(*os.File)
	if !ok {
		return 0, ErrNotOS
	}
	var stat unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &stat); err != nil {
		return 0, err
	}
	return uint64(stat.Ino), nil
}
