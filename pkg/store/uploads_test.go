package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queueFile(t *testing.T, s *Store, importID, path string) *UploadRecord {
	t.Helper()
	rec := &UploadRecord{
		FilePath:       path,
		DatasetID:      "N:dataset:1",
		ImportID:       importID,
		Status:         StatusQueued,
		OrganizationID: "N:organization:1",
		UploadService:  true,
	}
	require.NoError(t, s.InsertUpload(rec))
	return rec
}

func TestInsertAndGetUpload(t *testing.T) {
	s := newTestStore(t)

	rec := queueFile(t, s, "imp-1", "/data/a.dat")
	require.NotZero(t, rec.ID)

	got, err := s.GetUploadByUploadID(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.FilePath, got.FilePath)
	assert.Equal(t, rec.ImportID, got.ImportID)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Zero(t, got.Progress)

	_, err = s.GetUploadByUploadID(9999)
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

func TestGetUploadsByStatusGroups(t *testing.T) {
	s := newTestStore(t)

	queueFile(t, s, "imp-1", "/data/a.dat")
	queueFile(t, s, "imp-1", "/data/b.dat")
	queueFile(t, s, "imp-2", "/data/c.dat")

	groups, err := s.GetUploadsByStatus(StatusQueued)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Len(t, groups["imp-1"], 2)
	assert.Len(t, groups["imp-2"], 1)
}

func TestFileProgressIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	rec := queueFile(t, s, "imp-1", "/data/a.dat")

	require.NoError(t, s.UpdateFileProgress("imp-1", "/data/a.dat", 40))
	got, err := s.GetUploadByUploadID(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)

	// A late callback with a smaller value must not regress.
	require.NoError(t, s.UpdateFileProgress("imp-1", "/data/a.dat", 25))
	got, err = s.GetUploadByUploadID(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, got.Progress)

	require.NoError(t, s.UpdateFileProgress("imp-1", "/data/a.dat", 90))
	got, err = s.GetUploadByUploadID(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 90, got.Progress)
}

func TestResetStalledUploads(t *testing.T) {
	s := newTestStore(t)

	resumable := queueFile(t, s, "imp-1", "/data/a.dat")
	legacy := queueFile(t, s, "imp-2", "/data/b.dat")
	require.NoError(t, s.db.Model(&UploadRecord{}).Where("id = ?", legacy.ID).
		Update("upload_service", false).Error)

	require.NoError(t, s.UpdateImportStatusAndProgress("imp-1", StatusInProgress, 60))
	require.NoError(t, s.UpdateImportStatusAndProgress("imp-2", StatusInProgress, 60))

	require.NoError(t, s.ResetStalledUploads())

	got, err := s.GetUploadByUploadID(resumable.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 60, got.Progress, "resumable rows keep their progress")

	got, err = s.GetUploadByUploadID(legacy.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Zero(t, got.Progress, "legacy rows restart from scratch")

	// Invariant: nothing is left InProgress.
	groups, err := s.GetUploadsByStatus(StatusInProgress)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestResumeFailedUpload(t *testing.T) {
	s := newTestStore(t)

	rec := queueFile(t, s, "imp-1", "/data/a.dat")
	require.NoError(t, s.UpdateImportStatusAndProgress("imp-1", StatusFailed, 0))

	// No progress: nothing to resume.
	err := s.ResumeFailedUpload(rec.ID)
	assert.ErrorIs(t, err, ErrUploadNotFound)

	require.NoError(t, s.db.Model(&UploadRecord{}).Where("id = ?", rec.ID).
		Update("progress", 42).Error)
	require.NoError(t, s.ResumeFailedUpload(rec.ID))

	got, err := s.GetUploadByUploadID(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
}

func TestCancelUpload(t *testing.T) {
	s := newTestStore(t)

	queued := queueFile(t, s, "imp-1", "/data/a.dat")
	done := queueFile(t, s, "imp-2", "/data/b.dat")
	require.NoError(t, s.UpdateImportStatusAndProgress("imp-2", StatusCompleted, 100))

	require.NoError(t, s.CancelUpload(queued.ID))
	_, err := s.GetUploadByUploadID(queued.ID)
	assert.ErrorIs(t, err, ErrUploadNotFound)

	// Completed rows cannot be cancelled.
	err = s.CancelUpload(done.ID)
	assert.ErrorIs(t, err, ErrUploadNotFound)
}

func TestCancelAllUploads(t *testing.T) {
	s := newTestStore(t)

	queueFile(t, s, "imp-1", "/data/a.dat")
	queueFile(t, s, "imp-1", "/data/b.dat")
	queueFile(t, s, "imp-2", "/data/c.dat")
	require.NoError(t, s.UpdateImportStatus("imp-2", StatusInProgress))

	n, err := s.CancelAllUploads()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestMultipartUploadID(t *testing.T) {
	s := newTestStore(t)

	rec := queueFile(t, s, "imp-1", "/data/a.dat")
	require.NoError(t, s.SetMultipartUploadID(rec.ID, "mp-upload-1", 5*1024*1024))

	got, err := s.GetUploadByUploadID(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.MultipartUploadID)
	assert.Equal(t, "mp-upload-1", *got.MultipartUploadID)
	require.NotNil(t, got.ChunkSize)
	assert.Equal(t, int64(5*1024*1024), *got.ChunkSize)
}

func TestStallAndFailThresholds(t *testing.T) {
	now := time.Now()

	fresh := &UploadRecord{CreatedAt: now, UpdatedAt: now}
	assert.False(t, fresh.ShouldFail(8*time.Hour, now))
	assert.False(t, fresh.ShouldRetry(time.Hour, now))

	stalled := &UploadRecord{CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-90 * time.Minute)}
	assert.True(t, stalled.ShouldRetry(time.Hour, now))
	assert.False(t, stalled.ShouldFail(8*time.Hour, now))

	aged := &UploadRecord{CreatedAt: now.Add(-9 * time.Hour), UpdatedAt: now.Add(-90 * time.Minute)}
	assert.True(t, aged.ShouldFail(8*time.Hour, now))
	// Fail takes precedence even though retry also matches.
	assert.True(t, aged.ShouldRetry(time.Hour, now))
}

func TestGetActiveAndRecentUploads(t *testing.T) {
	s := newTestStore(t)

	queueFile(t, s, "imp-1", "/data/a.dat")
	b := queueFile(t, s, "imp-2", "/data/b.dat")
	require.NoError(t, s.UpdateImportStatus("imp-2", StatusInProgress))
	queueFile(t, s, "imp-3", "/data/c.dat")
	require.NoError(t, s.UpdateImportStatusAndProgress("imp-3", StatusCompleted, 100))

	active, err := s.GetActiveUploads()
	require.NoError(t, err)
	assert.Len(t, active, 2)

	recent, err := s.GetUploadsCreatedSince(b.CreatedAt.Add(-time.Second))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(recent), 2)
}
