package upload

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/pennsieve/agent/internal/logger"
	"github.com/pennsieve/agent/pkg/api"
	"github.com/pennsieve/agent/pkg/metrics"
	"github.com/pennsieve/agent/pkg/status"
	"github.com/pennsieve/agent/pkg/store"
)

const (
	// stallAfter is how long an in-progress group may go without a
	// progress update before it is retried.
	stallAfter = time.Hour
	// failAfter is how long a group may exist before it is declared
	// failed. Failure takes precedence over retry.
	failAfter = 8 * time.Hour
	// maxAuthRetries bounds the refresh-and-retry loop after 401s.
	maxAuthRetries = 10
	// authRetryDelay is the pause before retrying after a 401.
	authRetryDelay = 5 * time.Second
	// stepInterval paces the queue-draining loop.
	stepInterval = 5 * time.Second
)

// Engine drains the upload queue: it snapshots queued and stalled
// groups, refreshes the platform session, and streams each group's files
// to object storage before committing the group on the platform.
type Engine struct {
	store     *store.Store
	session   *api.SessionManager
	publisher status.Publisher

	// newStorage builds object storage from temporary credentials.
	// Replaced by tests.
	newStorage func(*api.TemporaryCredentials) ObjectStorage

	parallelism int
}

// NewEngine returns an engine over the given store and platform session.
func NewEngine(st *store.Store, session *api.SessionManager, publisher status.Publisher) *Engine {
	return &Engine{
		store:       st,
		session:     session,
		publisher:   publisher,
		newStorage:  NewS3Storage,
		parallelism: runtime.NumCPU(),
	}
}

// Run drains stalled rows from a previous process, then steps the queue
// until the context is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.store.ResetStalledUploads(); err != nil {
		return fmt.Errorf("failed to reset stalled uploads: %w", err)
	}

	ticker := time.NewTicker(stepInterval)
	defer ticker.Stop()

	for {
		if err := e.Step(ctx); err != nil {
			logger.Warn("upload step failed", logger.Err(err))
			e.publishError(err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Step performs one pass over the queue: queued groups plus stalled
// in-progress groups are uploaded; aged groups are failed first.
func (e *Engine) Step(ctx context.Context) error {
	queued, err := e.store.GetUploadsByStatus(store.StatusQueued)
	if err != nil {
		return err
	}

	inProgress, err := e.store.GetUploadsByStatus(store.StatusInProgress)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	retry := make(map[string][]store.UploadRecord)
	for importID, group := range inProgress {
		switch {
		case group[0].ShouldFail(failAfter, now):
			logger.Warn("failing aged upload group", logger.KeyImportID, importID)
			if err := e.store.UpdateImportStatusAndProgress(importID, store.StatusFailed, 0); err != nil {
				logger.Warn("failed to mark group failed", logger.KeyImportID, importID, logger.Err(err))
				continue
			}
			metrics.ObserveUploadOutcome("failed")
			e.publish(status.UploadError{ImportID: importID, Description: "upload timed out"})
		case group[0].ShouldRetry(stallAfter, now):
			retry[importID] = group
		}
	}

	if len(queued) == 0 && len(retry) == 0 {
		return nil
	}

	user, err := e.session.EnsureSession()
	if err != nil {
		return err
	}

	for importID, group := range queued {
		e.uploadGroupWithRetry(ctx, user, importID, group)
	}
	for importID, group := range retry {
		e.uploadGroupWithRetry(ctx, user, importID, group)
	}
	return nil
}

// uploadGroupWithRetry runs one group upload, refreshing the session and
// retrying on authentication failures.
func (e *Engine) uploadGroupWithRetry(ctx context.Context, user *store.UserRecord, importID string, group []store.UploadRecord) {
	var err error
	for attempt := 0; attempt <= maxAuthRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(authRetryDelay):
			}
			if user, err = e.session.Refresh(); err != nil {
				logger.Warn("session refresh failed", logger.KeyImportID, importID, logger.Err(err))
				continue
			}
		}

		err = e.uploadGroup(ctx, user, importID, group)
		if err == nil {
			return
		}
		if !api.IsAuthError(err) {
			break
		}
		logger.Info("session rejected, refreshing and retrying",
			logger.KeyImportID, importID, "attempt", attempt+1)
	}

	logger.Warn("upload group failed", logger.KeyImportID, importID, logger.Err(err))
	if dbErr := e.store.UpdateImportStatus(importID, store.StatusFailed); dbErr != nil {
		logger.Warn("failed to mark group failed", logger.KeyImportID, importID, logger.Err(dbErr))
	}
	metrics.ObserveUploadOutcome("failed")
	e.publish(status.UploadError{
		ImportID:    importID,
		Description: (&FailedError{ImportID: importID, Err: err}).Error(),
	})
}

// uploadGroup streams every file of one import group and commits it.
func (e *Engine) uploadGroup(ctx context.Context, user *store.UserRecord, importID string, group []store.UploadRecord) error {
	appendMode := true
	for _, rec := range group {
		if !rec.Append {
			appendMode = false
		}
	}
	for _, rec := range group {
		if rec.Append != appendMode {
			logger.Warn("mixed append flags in group, using false", logger.KeyImportID, importID)
			break
		}
	}

	if err := e.store.UpdateImportStatusAndProgress(importID, store.StatusInProgress, 0); err != nil {
		return err
	}

	creds, err := e.session.Client().GetTemporaryCredentials(importID)
	if err != nil {
		return err
	}

	uploader := NewUploader(e.newStorage(creds), e.parallelism)
	uploader.OnSession = func(recordID int64, uploadID string, chunkSize int64) {
		if err := e.store.SetMultipartUploadID(recordID, uploadID, chunkSize); err != nil {
			logger.Warn("failed to persist multipart session", logger.KeyImportID, importID, logger.Err(err))
		}
	}

	for _, rec := range group {
		file := &S3File{
			RecordID: rec.ID,
			Path:     rec.FilePath,
			Key:      ObjectKey(creds.KeyPrefix, importID, filepath.Base(rec.FilePath)),
		}
		if rec.ChunkSize != nil {
			file.ChunkSize = *rec.ChunkSize
		}
		if rec.MultipartUploadID != nil {
			file.MultipartUploadID = *rec.MultipartUploadID
		}

		rec := rec
		err := uploader.UploadFile(ctx, file, func(p PartProgress) {
			percent := 0
			if p.Size > 0 {
				percent = int(p.BytesSent * 100 / p.Size)
			} else if p.Done {
				percent = 100
			}
			e.publish(status.UploadProgress{
				ImportID:    importID,
				Path:        rec.FilePath,
				PartNumber:  p.PartNumber,
				BytesSent:   p.BytesSent,
				Size:        p.Size,
				PercentDone: percent,
				Done:        p.Done,
			})
			// A failed progress write never kills the upload.
			if err := e.store.UpdateFileProgress(importID, rec.FilePath, percent); err != nil {
				logger.Warn("failed to record progress", logger.KeyPath, rec.FilePath, logger.Err(err))
			}
		})
		if err != nil {
			return err
		}
	}

	var packageID *string
	if group[0].PackageID != nil {
		packageID = group[0].PackageID
	}
	if err := e.session.Client().CompleteUpload(
		user.OrganizationID, importID, group[0].DatasetID, packageID, appendMode); err != nil {
		return err
	}

	if err := e.store.UpdateImportStatusAndProgress(importID, store.StatusCompleted, 100); err != nil {
		return err
	}
	metrics.ObserveUploadOutcome("completed")
	e.publish(status.UploadComplete{ImportID: importID})
	return nil
}

func (e *Engine) publish(ev status.Event) {
	if e.publisher != nil {
		e.publisher.Publish(ev)
	}
}

func (e *Engine) publishError(err error) {
	e.publish(status.ErrorEvent{Description: err.Error()})
}
