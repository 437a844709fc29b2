package cache

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// PageCreator seeds new page files by cloning a NaN-prefilled template of
// the right size. Template creation and cloning are serialized behind a
// single mutex; concurrent writers to distinct pages only contend on the
// copy itself.
type PageCreator struct {
	mu   sync.Mutex
	base string
}

// NewPageCreator returns a creator rooted at the cache base directory.
func NewPageCreator(base string) *PageCreator {
	return &PageCreator{base: base}
}

// TemplatePath returns the location of the template for a page size.
func (c *PageCreator) TemplatePath(pageSize int64) string {
	return filepath.Join(c.base, "templates", strconv.FormatInt(pageSize, 10)+".bin")
}

// EnsurePage creates the page file at path from the NaN template, creating
// the template itself on first use of this page size. Existence is checked
// again under the lock so two writers racing on the same page copy once.
func (c *PageCreator) EnsurePage(path string, pageSize int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	tmpl := c.TemplatePath(pageSize)
	if _, err := os.Stat(tmpl); os.IsNotExist(err) {
		if err := c.writeTemplate(tmpl, pageSize); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create page directory: %w", err)
	}
	if err := copyFile(tmpl, path); err != nil {
		return fmt.Errorf("failed to clone template for %s: %w", path, err)
	}
	return nil
}

// writeTemplate materializes a NaN-filled template of pageSize doubles.
func (c *PageCreator) writeTemplate(path string, pageSize int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create template directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create template %s: %w", path, err)
	}
	defer f.Close()

	nan := make([]byte, bytesPerSample)
	binary.LittleEndian.PutUint64(nan, math.Float64bits(math.NaN()))

	// Write in 4096-sample slabs to keep allocations flat for large pages.
	const slabSamples = 4096
	slab := make([]byte, 0, slabSamples*bytesPerSample)
	for i := 0; i < slabSamples; i++ {
		slab = append(slab, nan...)
	}

	remaining := pageSize
	for remaining > 0 {
		n := int64(slabSamples)
		if remaining < n {
			n = remaining
		}
		if _, err := f.Write(slab[:n*bytesPerSample]); err != nil {
			return fmt.Errorf("failed to fill template %s: %w", path, err)
		}
		remaining -= n
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
