// Command cabdump lists and extracts the contents of a Microsoft
// Cabinet file.
package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	"github.com/therootcompany/xz"

	"github.com/elliotnunn/cabfs"
)

// xzMagic is the 6-byte signature of an .xz stream, used to detect a
// cabinet shipped compressed inside one (common for driver .cab.xz
// distributions) before cabfs ever sees the bytes.
var xzMagic = []byte("\xfd7zXZ\x00")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cabdump",
		Short: "List and extract Microsoft Cabinet (.cab) files",
	}
	root.AddCommand(newListCmd())
	root.AddCommand(newExtractCmd())
	return root
}

func openCabinet(path string) (*cabfs.FS, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}

	head := make([]byte, len(xzMagic))
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		f.Close()
		return nil, nil, err
	}

	if n == len(xzMagic) && bytes.Equal(head, xzMagic) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, nil, err
		}
		defer f.Close()
		return openXZCabinet(f)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, err
	}
	fsys, err := cabfs.New(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return fsys, f.Close, nil
}

// openXZCabinet unwraps a cabinet that has been compressed whole
// inside an .xz stream. xz.Reader has no ReaderAt of its own, so the
// decompressed cabinet is read fully into memory before being handed
// to cabfs; .cab files are small enough (low tens of megabytes at
// most) that this is cheaper than building a seekable decompression
// cache just for this one-shot CLI path.
func openXZCabinet(r io.Reader) (*cabfs.FS, func() error, error) {
	xr, err := xz.NewReader(r, xz.DefaultDictMax)
	if err != nil {
		return nil, nil, fmt.Errorf("cabdump: not a valid .xz stream: %w", err)
	}
	raw, err := io.ReadAll(xr)
	if err != nil {
		return nil, nil, fmt.Errorf("cabdump: decompressing .xz: %w", err)
	}
	fsys, err := cabfs.New(bytes.NewReader(raw))
	if err != nil {
		return nil, nil, err
	}
	return fsys, func() error { return nil }, nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <cabinet>",
		Short: "List every file in a cabinet without extracting it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, closeFn, err := openCabinet(args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSIZE\tCOMPRESSION")
			for _, f := range fsys.ListFiles() {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", f.Name, f.Size, compressionName(f.Compression&0xff))
			}
			return tw.Flush()
		},
	}
}

func newExtractCmd() *cobra.Command {
	var include string
	var outDir string

	cmd := &cobra.Command{
		Use:   "extract <cabinet>",
		Short: "Extract files from a cabinet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys, closeFn, err := openCabinet(args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			for _, entry := range fsys.ListFiles() {
				slashName := strings.ReplaceAll(entry.Name, `\`, "/")
				if include != "" {
					ok, err := doublestar.Match(include, slashName)
					if err != nil {
						return err
					}
					if !ok {
						continue
					}
				}
				if err := extractOne(fsys, slashName, outDir); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&include, "include", "", "only extract files matching this doublestar glob pattern")
	cmd.Flags().StringVar(&outDir, "out", ".", "directory to extract into")
	return cmd
}

func extractOne(fsys *cabfs.FS, name, outDir string) error {
	src, err := fsys.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dest := filepath.Join(outDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}

func compressionName(algorithm uint16) string {
	switch algorithm {
	case 0:
		return "none"
	case 1:
		return "mszip"
	case 2:
		return "quantum"
	case 3:
		return "lzx"
	default:
		return "unknown"
	}
}
