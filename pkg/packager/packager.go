// Package packager turns an assembled batch tree into a single zip archive.
package packager

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ValerySidorin/exset/pkg/layout"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
)

// Error is a fatal packaging failure of one batch.
type Error struct {
	BatchID string
	Reason  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("package batch %s: %s: %v", e.BatchID, e.Reason, e.Err)
	}
	return fmt.Sprintf("package batch %s: %s", e.BatchID, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Package zips the exchange set under batchDir into {batchDir}/{batchID}.zip
// and returns the archive path. ENC_ROOT must hold content unless empty
// marks an exchange set without products. The archive is written under a
// temporary name and renamed into place, so a failed run leaves no archive
// behind.
func Package(batchDir, batchID string, empty bool) (string, error) {
	esDir := layout.ExchangeSetDir(batchDir)
	if err := ensureDir(esDir); err != nil {
		return "", &Error{BatchID: batchID, Reason: "staging directory is missing", Err: err}
	}
	if err := ensureContent(layout.EncRootDir(batchDir), empty); err != nil {
		return "", &Error{BatchID: batchID, Reason: "exchange set content is missing", Err: err}
	}

	target := layout.ArchivePath(batchDir, batchID)
	tmp, err := os.CreateTemp(batchDir, batchID+"-*.zip.tmp")
	if err != nil {
		return "", &Error{BatchID: batchID, Reason: "create archive", Err: err}
	}
	tmpName := tmp.Name()

	if err := writeArchive(tmp, batchDir, esDir); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", &Error{BatchID: batchID, Reason: "write archive", Err: err}
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", &Error{BatchID: batchID, Reason: "close archive", Err: err}
	}

	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return "", &Error{BatchID: batchID, Reason: "move archive into place", Err: err}
	}

	fi, err := os.Stat(target)
	if err != nil || fi.Size() == 0 {
		_ = os.Remove(target)
		return "", &Error{BatchID: batchID, Reason: "archive is missing after creation", Err: err}
	}

	return target, nil
}

func ensureContent(encRoot string, empty bool) error {
	if err := ensureDir(encRoot); err != nil {
		return err
	}
	if empty {
		return nil
	}

	entries, err := os.ReadDir(encRoot)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.Errorf("%s is empty", encRoot)
	}
	return nil
}

func ensureDir(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return errors.Errorf("%s is not a directory", path)
	}
	return nil
}

func writeArchive(w io.Writer, root, esDir string) error {
	zw := zip.NewWriter(w)

	err := filepath.WalkDir(esDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		if d.IsDir() {
			_, err := zw.Create(name + "/")
			return err
		}

		return addFile(zw, path, name)
	})
	if err != nil {
		_ = zw.Close()
		return errors.Wrap(err, "walk exchange set")
	}

	return zw.Close()
}

func addFile(zw *zip.Writer, path, name string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}

	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(dst, f)
	return err
}
