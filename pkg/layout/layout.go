// Package layout defines where a batch is staged on disk and how its blobs
// are named. Every path in the pipeline is derived here.
package layout

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DateFolderFormat renders ddMMMyyyy, e.g. 10Mar2024.
	DateFolderFormat = "02Jan2006"

	ExchangeSetFolder = "V01X01"
	EncRootFolder     = "ENC_ROOT"
	InfoFolder        = "INFO"

	ReadmeFileName      = "README.TXT"
	CatalogueBlobSuffix = ".json"
	ArchiveSuffix       = ".zip"
)

func DateFolder(t time.Time) string {
	return t.UTC().Format(DateFolderFormat)
}

// ParseDateFolder reports false for any name that is not a date folder.
func ParseDateFolder(name string) (time.Time, bool) {
	t, err := time.Parse(DateFolderFormat, name)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func BatchDir(baseDir string, t time.Time, batchID string) string {
	return filepath.Join(baseDir, DateFolder(t), batchID)
}

func ExchangeSetDir(batchDir string) string {
	return filepath.Join(batchDir, ExchangeSetFolder)
}

func EncRootDir(batchDir string) string {
	return filepath.Join(ExchangeSetDir(batchDir), EncRootFolder)
}

func InfoDir(batchDir string) string {
	return filepath.Join(ExchangeSetDir(batchDir), InfoFolder)
}

// IsPathElement reports whether name is a single path element that stays
// inside the directory it is joined to.
func IsPathElement(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\:\x00") && filepath.Base(name) == name
}

// ProductDir is ENC_ROOT/{producer code}/{cell}/{edition}/{update}.
func ProductDir(batchDir, cell string, edition, update int) string {
	producer := cell
	if len(cell) > 2 {
		producer = cell[:2]
	}
	return filepath.Join(EncRootDir(batchDir), producer, cell, strconv.Itoa(edition), strconv.Itoa(update))
}

func ArchivePath(batchDir, batchID string) string {
	return filepath.Join(batchDir, batchID+ArchiveSuffix)
}

func CatalogueBlobName(batchID string) string {
	return batchID + CatalogueBlobSuffix
}

// SideCacheKey names the cached copy of one file of a remote batch.
func SideCacheKey(remoteBatchID, fileName string) string {
	return remoteBatchID + "/" + strings.ToUpper(fileName)
}

// ArtifactKey names the published archive of a batch.
func ArtifactKey(batchID string) string {
	return batchID + "/" + batchID + ArchiveSuffix
}
