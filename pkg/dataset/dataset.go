// Package dataset loads the held-out evaluation set shared by all validated models.
//
// The set is a CSV file with a header row. Each model picks its own feature and
// target columns from it, so one file serves both the regressor and the classifier.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/gocarina/gocsv"
)

var (
	// ErrMissing is returned when the held-out file does not exist.
	ErrMissing = errors.New("held-out dataset not found")

	// ErrEmpty is returned when the held-out file has no data rows.
	ErrEmpty = errors.New("held-out dataset is empty")
)

// Dataset is a parsed held-out set.
type Dataset struct {
	rows []map[string]string
}

// Source provides the held-out dataset.
type Source interface {
	Load(ctx context.Context) (*Dataset, error)
}

// File is a Source reading a CSV file from disk on every Load, so a fresh set
// written by the collect stage is picked up by the next validation.
type File string

// Load implements Source.
func (f File) Load(ctx context.Context) (*Dataset, error) {
	file, err := os.Open(string(f))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, string(f))
		}
		return nil, fmt.Errorf("open held-out dataset: %w", err)
	}
	defer file.Close()

	return Read(file)
}

// Read parses a CSV document with a header row.
func Read(r io.Reader) (*Dataset, error) {
	rows, err := gocsv.CSVToMaps(r)
	if err != nil {
		return nil, fmt.Errorf("parse held-out dataset: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrEmpty
	}
	return &Dataset{rows: rows}, nil
}

// Len returns the number of data rows.
func (d *Dataset) Len() int {
	return len(d.rows)
}

// Matrix extracts the named feature columns and the target column as floats.
func (d *Dataset) Matrix(features []string, target string) ([][]float64, []float64, error) {
	X := make([][]float64, len(d.rows))
	y := make([]float64, len(d.rows))

	for i, row := range d.rows {
		x := make([]float64, len(features))
		for j, col := range features {
			v, err := parseCell(row, col, i)
			if err != nil {
				return nil, nil, err
			}
			x[j] = v
		}
		X[i] = x

		v, err := parseCell(row, target, i)
		if err != nil {
			return nil, nil, err
		}
		y[i] = v
	}

	return X, y, nil
}

func parseCell(row map[string]string, col string, i int) (float64, error) {
	raw, ok := row[col]
	if !ok {
		return 0, fmt.Errorf("column %q not in held-out dataset", col)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("row %d column %q: %w", i+1, col, err)
	}
	return v, nil
}

// Static is a Source returning a fixed dataset. It is useful in tests and when
// the set is produced in memory.
type Static struct {
	Data *Dataset
	Err  error
}

// Load implements Source.
func (s Static) Load(ctx context.Context) (*Dataset, error) {
	return s.Data, s.Err
}
