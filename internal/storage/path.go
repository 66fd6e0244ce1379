package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

// TablesRoot is the key prefix under which every dataset table is stored.
const TablesRoot = "datasets"

// Object metadata keys written with each table upload.
const (
	MetadataDatasetID = "dataset-id"
	MetadataTableName = "table-name"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// BuildTablePath returns the object key for one upload of a dataset table.
// Every upload gets its own key so previously fetched copies stay valid.
func BuildTablePath(datasetID, tableName string, uploadedAt time.Time) (string, error) {
	if err := ValidateDatasetID(datasetID); err != nil {
		return "", err
	}
	if err := ValidateTableName(tableName); err != nil {
		return "", err
	}
	return path.Join(
		TablesRoot,
		datasetID,
		tableName,
		fmt.Sprintf("upload-%d.parquet", uploadedAt.UTC().UnixNano()),
	), nil
}

func ValidateDatasetID(value string) error {
	if !namePattern.MatchString(value) {
		return fmt.Errorf("invalid dataset id: %q", value)
	}
	return nil
}

// ValidateTableName accepts names usable as unquoted SQL identifiers, which
// keeps generated SQL and schema text unambiguous.
func ValidateTableName(value string) error {
	if !tableNamePattern.MatchString(value) {
		return fmt.Errorf("invalid table name: %q", value)
	}
	return nil
}
