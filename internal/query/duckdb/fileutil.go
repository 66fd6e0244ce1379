package duckdb

import (
	"io"
	"os"
	"path/filepath"
)

// writeFileAtomic writes through a temp file so concurrent readers of the
// cache dir never see a partial parquet file.
func writeFileAtomic(path string, reader io.Reader) error {
	file, err := os.CreateTemp(filepath.Dir(path), ".fetch-*")
	if err != nil {
		return err
	}
	tmpPath := file.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := io.Copy(file, reader); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
