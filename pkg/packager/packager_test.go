package packager

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/ValerySidorin/exset/pkg/layout"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stage(t *testing.T, batchDir string) {
	t.Helper()
	product := layout.ProductDir(batchDir, "GB100001", 3, 1)
	require.NoError(t, os.MkdirAll(product, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(product, "GB100001.001"), []byte("cell"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(layout.EncRootDir(batchDir), layout.ReadmeFileName), []byte("readme"), 0o644))
}

func entries(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)
	return names
}

func TestPackage(t *testing.T) {
	batchDir := filepath.Join(t.TempDir(), "B1")
	stage(t, batchDir)

	archive, err := Package(batchDir, "B1", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(batchDir, "B1.zip"), archive)

	assert.Equal(t, []string{
		"V01X01/ENC_ROOT/GB/GB100001/3/1/GB100001.001",
		"V01X01/ENC_ROOT/README.TXT",
	}, entries(t, archive))

	leftovers, err := filepath.Glob(filepath.Join(batchDir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestPackageRepeatable(t *testing.T) {
	batchDir := filepath.Join(t.TempDir(), "B1")
	stage(t, batchDir)

	first, err := Package(batchDir, "B1", false)
	require.NoError(t, err)
	firstEntries := entries(t, first)

	second, err := Package(batchDir, "B1", false)
	require.NoError(t, err)
	assert.Equal(t, firstEntries, entries(t, second))
}

func TestPackageMissingStaging(t *testing.T) {
	batchDir := filepath.Join(t.TempDir(), "B1")
	stage(t, batchDir)
	require.NoError(t, os.RemoveAll(layout.ExchangeSetDir(batchDir)))

	_, err := Package(batchDir, "B1", false)
	require.Error(t, err)

	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "B1", perr.BatchID)

	_, statErr := os.Stat(layout.ArchivePath(batchDir, "B1"))
	assert.True(t, os.IsNotExist(statErr))

	leftovers, err := filepath.Glob(filepath.Join(batchDir, "*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestPackageMissingBatchDir(t *testing.T) {
	batchDir := filepath.Join(t.TempDir(), "B1")

	_, err := Package(batchDir, "B1", false)
	require.Error(t, err)
	_, statErr := os.Stat(layout.ArchivePath(batchDir, "B1"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestPackageRequiresContent(t *testing.T) {
	for name, tc := range map[string]struct {
		setup func(batchDir string) error
		empty bool
		ok    bool
	}{
		"no ENC_ROOT": {
			setup: func(d string) error { return os.MkdirAll(layout.ExchangeSetDir(d), 0o755) },
		},
		"empty ENC_ROOT": {
			setup: func(d string) error { return os.MkdirAll(layout.EncRootDir(d), 0o755) },
		},
		"empty exchange set": {
			setup: func(d string) error { return os.MkdirAll(layout.EncRootDir(d), 0o755) },
			empty: true,
			ok:    true,
		},
		"no ENC_ROOT even when empty": {
			setup: func(d string) error { return os.MkdirAll(layout.ExchangeSetDir(d), 0o755) },
			empty: true,
		},
	} {
		t.Run(name, func(t *testing.T) {
			batchDir := filepath.Join(t.TempDir(), "B1")
			require.NoError(t, tc.setup(batchDir))

			_, err := Package(batchDir, "B1", tc.empty)
			if tc.ok {
				require.NoError(t, err)
				return
			}

			var perr *Error
			require.True(t, errors.As(err, &perr))
			_, statErr := os.Stat(layout.ArchivePath(batchDir, "B1"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}
