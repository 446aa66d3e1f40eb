package dataset

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const heldOut = `volume,spread,roi_rate,exit
1.5,0.2,0.03,1
2.0,0.1,-0.01,0
`

func TestRead_Matrix(t *testing.T) {
	ds, err := Read(strings.NewReader(heldOut))
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())

	X, y, err := ds.Matrix([]string{"spread", "volume"}, "roi_rate")
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0.2, 1.5}, {0.1, 2.0}}, X)
	assert.Equal(t, []float64{0.03, -0.01}, y)
}

func TestMatrix_Errors(t *testing.T) {
	ds, err := Read(strings.NewReader("a,b\n1,x\n"))
	require.NoError(t, err)

	_, _, err = ds.Matrix([]string{"missing"}, "a")
	assert.ErrorContains(t, err, `column "missing"`)

	_, _, err = ds.Matrix([]string{"a"}, "b")
	assert.ErrorContains(t, err, `row 1 column "b"`)
}

func TestRead_Empty(t *testing.T) {
	_, err := Read(strings.NewReader("a,b\n"))
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestFile_Load(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "holdout.csv")

	_, err := File(path).Load(context.Background())
	assert.ErrorIs(t, err, ErrMissing)

	require.NoError(t, os.WriteFile(path, []byte(heldOut), 0o644))
	ds, err := File(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
}
