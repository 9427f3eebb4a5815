package relro

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"gorelro/common"
)

// ReplaceFile writes the concatenation of parts to a temporary file next to
// path and renames it over path. The original is left untouched unless the
// rename succeeds.
func ReplaceFile(fs afero.Fs, path string, mode os.FileMode, parts ...[]byte) (written int64, err error) {
	tmp, err := afero.TempFile(fs, filepath.Dir(path), "."+filepath.Base(path)+".relro-*")
	if err != nil {
		return 0, common.IOError("create temporary file", err)
	}
	tmpName := tmp.Name()
	closed := false
	defer func() {
		if err == nil {
			return
		}
		if !closed {
			err = multierr.Append(err, tmp.Close())
		}
		err = multierr.Append(err, fs.Remove(tmpName))
	}()

	for _, part := range parts {
		n, werr := tmp.Write(part)
		written += int64(n)
		if werr != nil {
			return written, common.IOError("write "+tmpName, werr)
		}
		if n != len(part) {
			return written, common.IOError("write "+tmpName, io.ErrShortWrite)
		}
	}
	if err := tmp.Sync(); err != nil {
		return written, common.IOError("sync "+tmpName, err)
	}
	closed = true
	if err := tmp.Close(); err != nil {
		return written, common.IOError("close "+tmpName, err)
	}
	if err := fs.Chmod(tmpName, mode); err != nil {
		return written, common.IOError("chmod "+tmpName, err)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		return written, common.IOError("rename "+tmpName, err)
	}
	return written, nil
}
