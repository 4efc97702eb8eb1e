package io

import (
	"bytes"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// TryGetSize returns the number of bytes r will yield, or -1 with an error
// when the size can not be known without consuming it.
func TryGetSize(r io.Reader) (int64, error) {
	switch f := r.(type) {
	case *bytes.Reader:
		return int64(f.Len()), nil
	case *bytes.Buffer:
		return int64(f.Len()), nil
	case *strings.Reader:
		return int64(f.Len()), nil
	case *os.File:
		filestat, err := f.Stat()
		if err != nil {
			return -1, err
		}
		return filestat.Size(), nil
	}

	return -1, errors.Errorf("unsupported type of io.Reader: %T", r)
}
