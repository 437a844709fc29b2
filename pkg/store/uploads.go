package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// InsertUpload inserts a new upload row. The generated row ID is written
// back into rec.
func (s *Store) InsertUpload(rec *UploadRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.Status == "" {
		rec.Status = StatusQueued
	}
	if err := s.db.Create(rec).Error; err != nil {
		return fmt.Errorf("failed to insert upload for %s: %w", rec.FilePath, err)
	}
	return nil
}

// GetUploadByUploadID returns the upload row with the given numeric id.
func (s *Store) GetUploadByUploadID(id int64) (*UploadRecord, error) {
	var rec UploadRecord
	err := s.db.Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload %d: %w", id, err)
	}
	return &rec, nil
}

// GetUploadsByImportID returns every file in an import group, oldest first.
func (s *Store) GetUploadsByImportID(importID string) ([]UploadRecord, error) {
	var recs []UploadRecord
	err := s.db.Where("import_id = ?", importID).
		Order("created_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads for import %s: %w", importID, err)
	}
	return recs, nil
}

// GetUploadsByStatus returns uploads with the given status grouped by
// import id. Rows within a group are ordered oldest first.
func (s *Store) GetUploadsByStatus(status UploadStatus) (map[string][]UploadRecord, error) {
	var recs []UploadRecord
	err := s.db.Where("status = ?", status).
		Order("created_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list %s uploads: %w", status, err)
	}

	groups := make(map[string][]UploadRecord)
	for _, rec := range recs {
		groups[rec.ImportID] = append(groups[rec.ImportID], rec)
	}
	return groups, nil
}

// GetActiveUploads returns all Queued and InProgress rows, oldest first.
func (s *Store) GetActiveUploads() ([]UploadRecord, error) {
	var recs []UploadRecord
	err := s.db.Where("status IN ?", []UploadStatus{StatusQueued, StatusInProgress}).
		Order("created_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active uploads: %w", err)
	}
	return recs, nil
}

// GetUploadsCreatedSince returns rows created at or after the given time,
// regardless of status. The upload watcher uses this to pick up files
// queued after it started.
func (s *Store) GetUploadsCreatedSince(since time.Time) ([]UploadRecord, error) {
	var recs []UploadRecord
	err := s.db.Where("created_at >= ?", since).
		Order("created_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads since %s: %w", since, err)
	}
	return recs, nil
}

// GetUploadsByIDs returns the rows with the given IDs. Deleted rows are
// silently absent from the result.
func (s *Store) GetUploadsByIDs(ids []int64) ([]UploadRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var recs []UploadRecord
	err := s.db.Where("id IN ?", ids).
		Order("created_at ASC, id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads by id: %w", err)
	}
	return recs, nil
}

// UpdateImportStatus sets the status of every row in an import group.
func (s *Store) UpdateImportStatus(importID string, status UploadStatus) error {
	err := s.db.Model(&UploadRecord{}).
		Where("import_id = ?", importID).
		Updates(map[string]any{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update import %s status: %w", importID, err)
	}
	return nil
}

// UpdateImportStatusAndProgress sets both status and progress for every row
// in an import group. Unlike UpdateFileProgress this is not monotonic: it
// is used for group transitions (progress reset on failure, 100 on commit).
func (s *Store) UpdateImportStatusAndProgress(importID string, status UploadStatus, progress int) error {
	err := s.db.Model(&UploadRecord{}).
		Where("import_id = ?", importID).
		Updates(map[string]any{
			"status":     status,
			"progress":   progress,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update import %s: %w", importID, err)
	}
	return nil
}

// UpdateFileProgress records per-file progress. The update applies only
// when the new value strictly exceeds the stored one, which keeps progress
// monotonic even with concurrent part callbacks.
func (s *Store) UpdateFileProgress(importID, filePath string, progress int) error {
	err := s.db.Model(&UploadRecord{}).
		Where("import_id = ? AND file_path = ? AND progress < ?", importID, filePath, progress).
		Updates(map[string]any{
			"progress":   progress,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update progress for %s: %w", filePath, err)
	}
	return nil
}

// SetMultipartUploadID stores the object-store multipart session id so a
// stalled upload can resume where it left off.
func (s *Store) SetMultipartUploadID(id int64, uploadID string, chunkSize int64) error {
	err := s.db.Model(&UploadRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"multipart_upload_id": uploadID,
			"chunk_size":          chunkSize,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to store multipart id for upload %d: %w", id, err)
	}
	return nil
}

// ResetStalledUploads drains InProgress rows left behind by a crashed run
// back to Queued. Rows without resumable multipart sessions
// (upload_service = false) also lose their progress, since those uploads
// must restart from the beginning.
func (s *Store) ResetStalledUploads() error {
	err := s.db.Model(&UploadRecord{}).
		Where("status = ? AND upload_service = ?", StatusInProgress, false).
		Updates(map[string]any{
			"status":     StatusQueued,
			"progress":   0,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to reset stalled uploads: %w", err)
	}

	err = s.db.Model(&UploadRecord{}).
		Where("status = ?", StatusInProgress).
		Updates(map[string]any{
			"status":     StatusQueued,
			"updated_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to reset stalled uploads: %w", err)
	}
	return nil
}

// ResumeFailedUpload moves a Failed row back to Queued. Only rows that made
// progress are eligible; an upload that never started has nothing to resume.
func (s *Store) ResumeFailedUpload(id int64) error {
	result := s.db.Model(&UploadRecord{}).
		Where("id = ? AND status = ? AND progress > 0", id, StatusFailed).
		Updates(map[string]any{
			"status":     StatusQueued,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to resume upload %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// CancelUpload deletes a row if it has not finished. Completed and Failed
// rows are kept for history.
func (s *Store) CancelUpload(id int64) error {
	result := s.db.Where("id = ? AND status IN ?", id,
		[]UploadStatus{StatusQueued, StatusInProgress}).
		Delete(&UploadRecord{})
	if result.Error != nil {
		return fmt.Errorf("failed to cancel upload %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrUploadNotFound
	}
	return nil
}

// CancelAllUploads deletes every Queued and InProgress row and returns how
// many were removed.
func (s *Store) CancelAllUploads() (int64, error) {
	result := s.db.Where("status IN ?",
		[]UploadStatus{StatusQueued, StatusInProgress}).
		Delete(&UploadRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to cancel uploads: %w", result.Error)
	}
	return result.RowsAffected, nil
}
