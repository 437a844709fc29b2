package upload

import (
	"context"
	"time"

	"github.com/pennsieve/agent/internal/logger"
	"github.com/pennsieve/agent/pkg/status"
	"github.com/pennsieve/agent/pkg/store"
)

// StopMode controls what the watcher does once every upload settles.
type StopMode int

const (
	// StopOnFinish shuts the agent down when all uploads are terminal.
	StopOnFinish StopMode = iota
	// StopNever keeps watching past completion.
	StopNever
)

const (
	// defaultWatchInterval paces watcher snapshots.
	defaultWatchInterval = 500 * time.Millisecond
	// perFileThreshold is the largest upload count rendered per-file;
	// above it only an aggregate is reported.
	perFileThreshold = 30
)

// Watcher observes the upload queue and reports progress. In StopOnFinish
// mode it asks the supervisor to shut down once every known upload has
// completed or failed, with a nonzero exit code if any failed.
type Watcher struct {
	store     *store.Store
	publisher status.Publisher
	interval  time.Duration
	stopMode  StopMode

	watchStart time.Time
	// known tracks every row the watcher has seen, so rows that settle
	// stay visible until the watcher decides whether to shut down.
	known map[int64]bool
	// seenAny records that the known set was ever non-empty. A set that
	// empties afterwards (every row cancelled) counts as finished.
	seenAny bool
}

// NewWatcher returns a watcher. A zero interval takes the default.
func NewWatcher(st *store.Store, publisher status.Publisher, stopMode StopMode, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	return &Watcher{
		store:     st,
		publisher: publisher,
		interval:  interval,
		stopMode:  stopMode,
	}
}

// Run snapshots the queue every interval until the context is cancelled
// or, in StopOnFinish mode, every upload settles.
func (w *Watcher) Run(ctx context.Context) error {
	w.watchStart = time.Now().UTC()
	w.known = make(map[int64]bool)

	// Seed the known set with everything already in flight.
	if active, err := w.store.GetActiveUploads(); err == nil {
		for _, u := range active {
			w.known[u.ID] = true
		}
	} else {
		logger.Warn("upload watcher initial snapshot failed", logger.Err(err))
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		finished, failed, err := w.observe()
		if err != nil {
			logger.Warn("upload watcher snapshot failed", logger.Err(err))
			continue
		}
		if finished && w.stopMode == StopOnFinish {
			code := 0
			if failed {
				code = 1
			}
			if w.publisher != nil {
				w.publisher.Publish(status.SystemShutdown{ExitCode: code})
			}
			return nil
		}
	}
}

// observe takes one snapshot. It reports whether every known upload is
// terminal and whether any failed.
func (w *Watcher) observe() (finished, failed bool, err error) {
	uploads, err := w.snapshot()
	if err != nil {
		return false, false, err
	}
	if len(uploads) == 0 {
		// Nothing left to watch. If uploads existed before, they were
		// all cancelled, which settles the watch too.
		return w.seenAny, false, nil
	}

	w.render(uploads)

	finished = true
	for _, u := range uploads {
		switch u.Status {
		case store.StatusFailed:
			failed = true
		case store.StatusCompleted:
		default:
			finished = false
		}
	}
	return finished, failed, nil
}

// snapshot folds newly created rows into the known set, then fetches the
// current state of every known row. Cancelled (deleted) rows drop out.
func (w *Watcher) snapshot() ([]store.UploadRecord, error) {
	recent, err := w.store.GetUploadsCreatedSince(w.watchStart)
	if err != nil {
		return nil, err
	}
	for _, u := range recent {
		w.known[u.ID] = true
	}
	if len(w.known) > 0 {
		w.seenAny = true
	}

	ids := make([]int64, 0, len(w.known))
	for id := range w.known {
		ids = append(ids, id)
	}
	rows, err := w.store.GetUploadsByIDs(ids)
	if err != nil {
		return nil, err
	}

	// Rows deleted by a cancel are gone for good.
	present := make(map[int64]bool, len(rows))
	for _, u := range rows {
		present[u.ID] = true
	}
	for id := range w.known {
		if !present[id] {
			delete(w.known, id)
		}
	}
	return rows, nil
}

// render logs progress, per file up to the threshold and aggregated
// beyond it.
func (w *Watcher) render(uploads []store.UploadRecord) {
	if len(uploads) <= perFileThreshold {
		for _, u := range uploads {
			logger.Debug("upload progress",
				logger.KeyImportID, u.ImportID,
				logger.KeyPath, u.FilePath,
				logger.KeyProgress, u.Progress,
				"status", string(u.Status))
		}
		return
	}

	var total int
	for _, u := range uploads {
		total += u.Progress
	}
	logger.Debug("upload progress",
		"files", len(uploads),
		logger.KeyProgress, total/len(uploads))
}
