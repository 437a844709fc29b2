package cache

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
)

// bytesPerSample is the on-disk width of one sample (IEEE-754 double).
const bytesPerSample = 8

// PageFile is one fixed-size binary page on disk. It holds exactly pageSize
// little-endian doubles for one channel, covering the time window
// [Start, End] in microseconds. Byte order is fixed to little-endian so
// cache directories are portable across architectures.
type PageFile struct {
	base      string
	packageID string
	channel   string // normalized
	pageSize  int64
	index     int64
	period    float64 // µs between samples

	// Start and End are the inclusive µs bounds of the page window.
	Start int64
	End   int64
}

// NewPageFile addresses a page by key and sampling period. The page window
// is derived from the index: w = floor(pageSize * period) µs per page.
func NewPageFile(base, packageID, channelID string, pageSize, index int64, period float64) *PageFile {
	w := int64(float64(pageSize) * period)
	start := index * w
	return &PageFile{
		base:      base,
		packageID: packageID,
		channel:   normalizeID(channelID),
		pageSize:  pageSize,
		index:     index,
		period:    period,
		Start:     start,
		End:       start + w - 1,
	}
}

// Path returns the on-disk location: <base>/<package>/<channel>/<size>/<index>.bin
func (p *PageFile) Path() string {
	return filepath.Join(p.base,
		normalizeID(p.packageID),
		p.channel,
		strconv.FormatInt(p.pageSize, 10),
		fmt.Sprintf("%d.bin", p.index))
}

// Offset maps a timestamp to a sample offset within the page. Timestamps
// before the page clamp to 0; timestamps past the page end are an error.
func (p *PageFile) Offset(ts int64) (int64, error) {
	if ts < p.Start {
		return 0, nil
	}
	if ts > p.End {
		return 0, fmt.Errorf("%w: timestamp %d past page end %d", ErrInvalidPage, ts, p.End)
	}
	return int64(float64(ts-p.Start) / p.period), nil
}

// Write stores data starting at the given sample offset. A missing file is
// seeded from the NaN template first, so unwritten regions read back as NaN.
func (p *PageFile) Write(creator *PageCreator, offset int64, data []float64) error {
	if offset+int64(len(data)) > p.pageSize {
		return fmt.Errorf("%w: write of %d samples at offset %d exceeds page size %d",
			ErrInvalidPage, len(data), offset, p.pageSize)
	}

	path := p.Path()
	if err := creator.EnsurePage(path, p.pageSize); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open page %s: %w", path, err)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset*bytesPerSample, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek page %s: %w", path, err)
		}
	}

	buf := make([]byte, len(data)*bytesPerSample)
	for i, v := range data {
		binary.LittleEndian.PutUint64(buf[i*bytesPerSample:], math.Float64bits(v))
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("failed to write page %s: %w", path, err)
	}
	return nil
}

// Read fills out with samples starting at the given offset.
func (p *PageFile) Read(offset int64, out []float64) error {
	if offset+int64(len(out)) > p.pageSize {
		return fmt.Errorf("%w: read of %d samples at offset %d exceeds page size %d",
			ErrInvalidPage, len(out), offset, p.pageSize)
	}

	path := p.Path()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: no file at %s", ErrInvalidPage, path)
		}
		return fmt.Errorf("failed to open page %s: %w", path, err)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset*bytesPerSample, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek page %s: %w", path, err)
		}
	}

	buf := make([]byte, len(out)*bytesPerSample)
	if _, err := io.ReadFull(f, buf); err != nil {
		return fmt.Errorf("failed to read page %s: %w", path, err)
	}
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*bytesPerSample:]))
	}
	return nil
}

// Size returns the on-disk size of the page file in bytes, or 0 when the
// file does not exist.
func (p *PageFile) Size() (int64, error) {
	info, err := os.Stat(p.Path())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat page %s: %w", p.Path(), err)
	}
	return info.Size(), nil
}

// Exists reports whether the page file is on disk.
func (p *PageFile) Exists() bool {
	_, err := os.Stat(p.Path())
	return err == nil
}

// Delete removes the page file. A missing file is not an error.
func (p *PageFile) Delete() error {
	err := os.Remove(p.Path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete page %s: %w", p.Path(), err)
	}
	return nil
}
