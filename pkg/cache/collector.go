package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pennsieve/agent/internal/logger"
	"github.com/pennsieve/agent/pkg/metrics"
	"github.com/pennsieve/agent/pkg/store"
)

const (
	// defaultCollectInterval is the period between collection cycles.
	defaultCollectInterval = 15 * time.Minute
	// defaultCollectDelay postpones the first cycle after startup.
	defaultCollectDelay = 30 * time.Second
	// softCyclesPerHard is how many soft cycles run before each hard one.
	softCyclesPerHard = 5
)

// CollectorConfig sizes and paces the cache collector.
type CollectorConfig struct {
	Base         string
	SoftBudget   int64 // bytes; gentle eviction of week-old pages
	HardBudget   int64 // bytes; aggressive eviction of 12h-old pages
	Interval     time.Duration
	InitialDelay time.Duration
}

// Collector periodically evicts aged pages to keep the cache within its
// size budgets. Five soft cycles run between each hard cycle.
type Collector struct {
	store  *store.Store
	cfg    CollectorConfig
	cycles int

	// OnError, when set, receives hard-cycle failures such as ErrNoSpace.
	// These are reported but never stop the collector.
	OnError func(error)
}

// NewCollector returns a collector over the given store and cache
// directory. Zero Interval and InitialDelay take the defaults.
func NewCollector(st *store.Store, cfg CollectorConfig) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultCollectInterval
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultCollectDelay
	}
	return &Collector{store: st, cfg: cfg}
}

// Run loops until the context is cancelled, collecting once per interval
// after an initial delay.
func (c *Collector) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.InitialDelay):
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		c.collect()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// collect runs one cycle, alternating five soft cycles per hard cycle.
// Soft failures advance the counter like any other step; hard failures
// reset it.
func (c *Collector) collect() {
	c.cycles++
	if c.cycles > softCyclesPerHard {
		c.cycles = 0
		if err := c.HardRecycle(); err != nil {
			logger.Warn("hard cache collection failed", logger.Err(err))
			if c.OnError != nil {
				c.OnError(err)
			}
		}
		return
	}
	if err := c.SoftRecycle(); err != nil {
		logger.Warn("soft cache collection failed", logger.Err(err))
	}
}

// SoftRecycle evicts week-old pages, oldest first, until the cache fits
// the soft budget or no aged pages remain.
func (c *Collector) SoftRecycle() error {
	_, err := c.recycle(c.cfg.SoftBudget, c.store.GetSoftAgedPages, "soft")
	return err
}

// HardRecycle evicts 12h-old pages against the hard budget. When the
// cache still exceeds the budget after draining every aged page, it
// returns ErrNoSpace.
func (c *Collector) HardRecycle() error {
	total, err := c.recycle(c.cfg.HardBudget, c.store.GetHardAgedPages, "hard")
	if err != nil {
		return err
	}
	if total > c.cfg.HardBudget {
		return fmt.Errorf("%w: cache holds %d bytes against a hard budget of %d",
			ErrNoSpace, total, c.cfg.HardBudget)
	}
	return nil
}

func (c *Collector) recycle(budget int64, aged func() ([]store.PageRecord, error), cycle string) (int64, error) {
	total, err := c.store.GetTotalSize()
	if err != nil {
		return 0, err
	}
	if total <= budget {
		metrics.SetCacheSize(total)
		return total, nil
	}

	pages, err := aged()
	if err != nil {
		return total, err
	}
	for _, page := range pages {
		if total <= budget {
			break
		}
		if err := c.evict(&page); err != nil {
			return total, err
		}
		metrics.ObserveEviction(cycle)
		total -= page.Size
	}
	metrics.SetCacheSize(total)
	return total, nil
}

// evict removes one page, row before file. A crash between the two leaks
// a file that the next write to the same key overwrites; the reverse
// order would leave a row pointing at nothing.
func (c *Collector) evict(page *store.PageRecord) error {
	if err := c.store.DeletePage(page.ID); err != nil {
		return err
	}
	path, err := pagePathFromKey(c.cfg.Base, page.ID)
	if err != nil {
		logger.Warn("cannot resolve evicted page path", logger.KeyPackage, page.ID, logger.Err(err))
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove evicted page file", logger.KeyPath, path, logger.Err(err))
	}
	return nil
}

// pagePathFromKey maps a page row key back to its file location. Keys are
// stored already normalized, so the components map directly onto path
// segments.
func pagePathFromKey(base, key string) (string, error) {
	pkg, channel, size, index, err := store.ParsePageKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(base, pkg, channel,
		strconv.FormatInt(size, 10),
		fmt.Sprintf("%d.bin", index)), nil
}
