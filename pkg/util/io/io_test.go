package io

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addTest struct {
	reader io.Reader
	len    int64
	isErr  bool
}

var (
	br    = bytes.NewReader([]byte("12345"))
	tests = []addTest{
		{br, 5, false},
		{bytes.NewBufferString("123"), 3, false},
		{strings.NewReader("1234"), 4, false},
		{nil, -1, true},
	}
)

func TestTryGetSize(t *testing.T) {
	for _, v := range tests {
		res, err := TryGetSize(v.reader)
		assert.Equal(t, v.len, res, fmt.Sprintf("output len %d not equal to expected %d", res, v.len))
		assert.Equal(t, v.isErr, err != nil, "output err is not valid")
	}
}

func TestTryGetSizeFile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "f.bin")
	require.NoError(t, os.WriteFile(name, []byte("1234567"), 0o644))

	f, err := os.Open(name)
	require.NoError(t, err)
	defer f.Close()

	res, err := TryGetSize(f)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res)
}
