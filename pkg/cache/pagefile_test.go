package cache

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageFileOffsetBoundaries(t *testing.T) {
	// 1 MHz channel, 10 samples per page: index 1 covers [10, 19] µs.
	page := NewPageFile(t.TempDir(), "p1", "c1", 10, 1, 1.0)
	require.Equal(t, int64(10), page.Start)
	require.Equal(t, int64(19), page.End)

	off, err := page.Offset(page.Start)
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)

	off, err = page.Offset(page.End)
	require.NoError(t, err)
	assert.Equal(t, int64(9), off)

	// Timestamps before the window clamp to the first sample.
	off, err = page.Offset(3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)

	_, err = page.Offset(page.End + 1)
	assert.ErrorIs(t, err, ErrInvalidPage)
}

func TestPageFileWriteReadRoundTrip(t *testing.T) {
	base := t.TempDir()
	creator := NewPageCreator(base)
	page := NewPageFile(base, "p1", "c1", 10, 0, 1.0)

	data := []float64{0, 1, 2, 3, 4}
	require.NoError(t, page.Write(creator, 3, data))

	out := make([]float64, 5)
	require.NoError(t, page.Read(3, out))
	assert.Equal(t, data, out)

	// Unwritten regions come from the NaN template.
	head := make([]float64, 3)
	require.NoError(t, page.Read(0, head))
	for _, v := range head {
		assert.True(t, math.IsNaN(v))
	}
}

func TestPageFileWriteBounds(t *testing.T) {
	base := t.TempDir()
	creator := NewPageCreator(base)
	page := NewPageFile(base, "p1", "c1", 10, 0, 1.0)

	err := page.Write(creator, 8, []float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidPage)
}

func TestPageFileReadMissing(t *testing.T) {
	page := NewPageFile(t.TempDir(), "p1", "c1", 10, 0, 1.0)
	err := page.Read(0, make([]float64, 1))
	assert.ErrorIs(t, err, ErrInvalidPage)
}

func TestPageFileSizeAndDelete(t *testing.T) {
	base := t.TempDir()
	creator := NewPageCreator(base)
	page := NewPageFile(base, "p1", "c1", 10, 0, 1.0)

	size, err := page.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
	assert.False(t, page.Exists())

	require.NoError(t, page.Write(creator, 0, []float64{1}))
	size, err = page.Size()
	require.NoError(t, err)
	assert.Equal(t, int64(10*bytesPerSample), size)
	assert.True(t, page.Exists())

	require.NoError(t, page.Delete())
	assert.False(t, page.Exists())
	require.NoError(t, page.Delete())
}

func TestPageCreatorTemplateReuse(t *testing.T) {
	base := t.TempDir()
	creator := NewPageCreator(base)

	a := filepath.Join(base, "p1", "c1", "10", "0.bin")
	require.NoError(t, creator.EnsurePage(a, 10))

	tmpl := creator.TemplatePath(10)
	info, err := os.Stat(tmpl)
	require.NoError(t, err)
	assert.Equal(t, int64(10*bytesPerSample), info.Size())
	mtime := info.ModTime()

	b := filepath.Join(base, "p1", "c1", "10", "1.bin")
	require.NoError(t, creator.EnsurePage(b, 10))

	info, err = os.Stat(tmpl)
	require.NoError(t, err)
	assert.Equal(t, mtime, info.ModTime(), "template should be created once per size")
}
