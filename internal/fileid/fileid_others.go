//go:build !unix

package fileid

import "io"

func inode(r io.ReaderAt) (uint64, error) {
	return 0, ErrNotOS
}
