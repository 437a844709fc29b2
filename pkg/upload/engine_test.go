package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pennsieve/agent/pkg/api"
	"github.com/pennsieve/agent/pkg/status"
	"github.com/pennsieve/agent/pkg/store"
)

// fakeStorage is an in-memory ObjectStorage recording every call.
type fakeStorage struct {
	mu        sync.Mutex
	nextID    int
	sessions  map[string]map[int32]CompletedPart
	uploaded  map[string][]int32 // uploadID -> parts sent via UploadPart
	completed map[string][]CompletedPart
	partErr   error // returned once by the next UploadPart
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		sessions:  make(map[string]map[int32]CompletedPart),
		uploaded:  make(map[string][]int32),
		completed: make(map[string][]CompletedPart),
	}
}

func (f *fakeStorage) seedSession(uploadID string, parts ...CompletedPart) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := make(map[int32]CompletedPart)
	for _, p := range parts {
		m[p.PartNumber] = p
	}
	f.sessions[uploadID] = m
}

func (f *fakeStorage) CreateMultipartUpload(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("session-%d", f.nextID)
	f.sessions[id] = make(map[int32]CompletedPart)
	return id, nil
}

func (f *fakeStorage) UploadPart(_ context.Context, _, uploadID string, partNumber int32, data []byte) (CompletedPart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.partErr != nil {
		err := f.partErr
		f.partErr = nil
		return CompletedPart{}, err
	}
	part := CompletedPart{PartNumber: partNumber, ETag: fmt.Sprintf("etag-%d", partNumber)}
	f.sessions[uploadID][partNumber] = part
	f.uploaded[uploadID] = append(f.uploaded[uploadID], partNumber)
	return part, nil
}

func (f *fakeStorage) CompleteMultipartUpload(_ context.Context, key, uploadID string, parts []CompletedPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[key] = parts
	delete(f.sessions, uploadID)
	return nil
}

func (f *fakeStorage) AbortMultipartUpload(_ context.Context, _, uploadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, uploadID)
	return nil
}

func (f *fakeStorage) ListParts(_ context.Context, _, uploadID string) ([]CompletedPart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var parts []CompletedPart
	for _, p := range f.sessions[uploadID] {
		parts = append(parts, p)
	}
	return parts, nil
}

// fakePublisher records every published event.
type fakePublisher struct {
	mu     sync.Mutex
	events []status.Event
}

func (p *fakePublisher) Publish(ev status.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *fakePublisher) messages() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Message()
	}
	return out
}

// newPlatformServer serves the handful of endpoints the engine touches.
func newPlatformServer(t *testing.T, logins *int) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/account/api/session":
			mu.Lock()
			if logins != nil {
				*logins++
			}
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(api.SessionResponse{
				SessionToken: "tok",
				Organization: "N:organization:1",
			})
		case r.URL.Path == "/user/":
			_ = json.NewEncoder(w).Encode(api.User{ID: "N:user:1"})
		case strings.HasPrefix(r.URL.Path, "/organizations/"):
			_ = json.NewEncoder(w).Encode(struct {
				Organization api.Organization `json:"organization"`
			}{api.Organization{ID: "N:organization:1", Name: "Lab"}})
		case strings.HasPrefix(r.URL.Path, "/upload/credentials/"):
			_ = json.NewEncoder(w).Encode(api.TemporaryCredentials{
				Region: "us-east-1", Bucket: "uploads", KeyPrefix: "N:user:1",
			})
		case strings.HasPrefix(r.URL.Path, "/upload/complete/"):
			w.WriteHeader(http.StatusOK)
		case strings.HasPrefix(r.URL.Path, "/upload/preview/"):
			var req struct {
				Files []api.PreviewFile `json:"files"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(api.PreviewResponse{
				Packages: []api.PreviewPackage{{
					PackageName: "pkg",
					ImportID:    "import-preview",
					Files:       req.Files,
				}},
			})
		default:
			t.Errorf("unexpected platform path %s", r.URL.Path)
		}
	}))
}

func newTestEngine(t *testing.T, logins *int) (*Engine, *store.Store, *fakeStorage, *fakePublisher) {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/agent.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	server := newPlatformServer(t, logins)
	t.Cleanup(server.Close)

	storage := newFakeStorage()
	publisher := &fakePublisher{}

	session := api.NewSessionManager(api.New(server.URL, "1.0.0"), st, api.Credentials{Profile: "default"})
	engine := NewEngine(st, session, publisher)
	engine.newStorage = func(*api.TemporaryCredentials) ObjectStorage { return storage }
	engine.parallelism = 2
	return engine, st, storage, publisher
}

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.bin")
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i)
	}
	require.NoError(t, os.WriteFile(path, buf, 0644))
	return path
}

func insertUpload(t *testing.T, st *store.Store, rec store.UploadRecord) store.UploadRecord {
	t.Helper()
	require.NoError(t, st.InsertUpload(&rec))
	return rec
}

func TestStepUploadsQueuedGroup(t *testing.T) {
	engine, st, storage, publisher := newTestEngine(t, nil)
	path := writeTempFile(t, 100)

	insertUpload(t, st, store.UploadRecord{
		FilePath:      path,
		DatasetID:     "N:dataset:1",
		ImportID:      "import-1",
		Status:        store.StatusQueued,
		UploadService: true,
	})

	require.NoError(t, engine.Step(context.Background()))

	rec, err := st.GetUploadsByImportID("import-1")
	require.NoError(t, err)
	require.Len(t, rec, 1)
	assert.Equal(t, store.StatusCompleted, rec[0].Status)
	assert.Equal(t, 100, rec[0].Progress)

	key := ObjectKey("N:user:1", "import-1", "data.bin")
	assert.NotEmpty(t, storage.completed[key])

	msgs := publisher.messages()
	assert.Contains(t, msgs, "upload_progress")
	assert.Contains(t, msgs, "upload_complete")
}

func TestStepIsNoopWithEmptyQueue(t *testing.T) {
	var logins int
	engine, _, _, _ := newTestEngine(t, &logins)

	require.NoError(t, engine.Step(context.Background()))
	assert.Zero(t, logins, "no session work when the queue is empty")
}

func TestStalledUploadResumesStoredSession(t *testing.T) {
	engine, st, storage, _ := newTestEngine(t, nil)
	path := writeTempFile(t, 100)

	rec := insertUpload(t, st, store.UploadRecord{
		FilePath:      path,
		DatasetID:     "N:dataset:1",
		ImportID:      "import-stalled",
		Status:        store.StatusQueued,
		UploadService: true,
	})

	// Simulate a previous run: part 1 of 2 already stored under a live
	// multipart session, then the row stalled in progress.
	chunk := int64(60)
	require.NoError(t, st.SetMultipartUploadID(rec.ID, "session-old", chunk))
	require.NoError(t, st.UpdateImportStatus("import-stalled", store.StatusInProgress))
	storage.seedSession("session-old", CompletedPart{PartNumber: 1, ETag: "etag-1"})

	stale := time.Now().UTC().Add(-90 * time.Minute)
	require.NoError(t, st.DB().Model(&store.UploadRecord{}).
		Where("import_id = ?", "import-stalled").
		Update("updated_at", stale).Error)

	require.NoError(t, engine.Step(context.Background()))

	rows, err := st.GetUploadsByImportID("import-stalled")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.StatusCompleted, rows[0].Status)
	assert.True(t, rows[0].UpdatedAt.After(stale))

	// Only the missing part went over the wire.
	assert.Equal(t, []int32{2}, storage.uploaded["session-old"])
	key := ObjectKey("N:user:1", "import-stalled", "data.bin")
	assert.Len(t, storage.completed[key], 2)
}

func TestAgedUploadFailed(t *testing.T) {
	engine, st, _, publisher := newTestEngine(t, nil)
	path := writeTempFile(t, 10)

	insertUpload(t, st, store.UploadRecord{
		FilePath:      path,
		DatasetID:     "N:dataset:1",
		ImportID:      "import-aged",
		Status:        store.StatusQueued,
		Progress:      40,
		UploadService: true,
	})
	require.NoError(t, st.UpdateImportStatus("import-aged", store.StatusInProgress))
	require.NoError(t, st.DB().Model(&store.UploadRecord{}).
		Where("import_id = ?", "import-aged").
		Updates(map[string]any{
			"created_at": time.Now().UTC().Add(-9 * time.Hour),
			"updated_at": time.Now().UTC().Add(-2 * time.Hour),
		}).Error)

	require.NoError(t, engine.Step(context.Background()))

	rows, err := st.GetUploadsByImportID("import-aged")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.StatusFailed, rows[0].Status)
	assert.Equal(t, 0, rows[0].Progress)
	assert.Contains(t, publisher.messages(), "upload_error")
}

func TestFailTakesPrecedenceOverRetry(t *testing.T) {
	// A row satisfying both the 1h stall and the 8h age threshold fails.
	engine, st, storage, _ := newTestEngine(t, nil)
	path := writeTempFile(t, 10)

	insertUpload(t, st, store.UploadRecord{
		FilePath:      path,
		DatasetID:     "N:dataset:1",
		ImportID:      "import-both",
		Status:        store.StatusQueued,
		UploadService: true,
	})
	require.NoError(t, st.UpdateImportStatus("import-both", store.StatusInProgress))
	require.NoError(t, st.DB().Model(&store.UploadRecord{}).
		Where("import_id = ?", "import-both").
		Updates(map[string]any{
			"created_at": time.Now().UTC().Add(-10 * time.Hour),
			"updated_at": time.Now().UTC().Add(-3 * time.Hour),
		}).Error)

	require.NoError(t, engine.Step(context.Background()))

	rows, err := st.GetUploadsByImportID("import-both")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rows[0].Status)
	assert.Empty(t, storage.uploaded, "a failed group must not be retried")
}

func TestAuthErrorRefreshesSessionAndRetries(t *testing.T) {
	var logins int
	engine, st, storage, _ := newTestEngine(t, &logins)
	path := writeTempFile(t, 10)

	insertUpload(t, st, store.UploadRecord{
		FilePath:      path,
		DatasetID:     "N:dataset:1",
		ImportID:      "import-auth",
		Status:        store.StatusQueued,
		UploadService: true,
	})

	storage.partErr = &api.APIError{StatusCode: http.StatusUnauthorized, Message: "expired"}

	require.NoError(t, engine.Step(context.Background()))

	rows, err := st.GetUploadsByImportID("import-auth")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rows[0].Status)
	assert.GreaterOrEqual(t, logins, 2, "session must be refreshed after a 401")
}

func TestExpiredStorageCredentialsRefreshAndRetry(t *testing.T) {
	// A 401 straight from object storage arrives as a wrapped smithy
	// response error, not a platform APIError. It must still trigger a
	// session refresh and a group retry instead of marking the group
	// Failed.
	var logins int
	engine, st, storage, _ := newTestEngine(t, &logins)
	path := writeTempFile(t, 10)

	insertUpload(t, st, store.UploadRecord{
		FilePath:      path,
		DatasetID:     "N:dataset:1",
		ImportID:      "import-creds",
		Status:        store.StatusQueued,
		UploadService: true,
	})

	storage.partErr = fmt.Errorf("failed to upload part %d: %w", 1, &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusUnauthorized}},
		Err:      errors.New("api error"),
	})

	require.NoError(t, engine.Step(context.Background()))

	rows, err := st.GetUploadsByImportID("import-creds")
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, rows[0].Status)
	assert.GreaterOrEqual(t, logins, 2, "session must be refreshed after a storage 401")
}

func TestNonAuthErrorFailsGroup(t *testing.T) {
	engine, st, storage, publisher := newTestEngine(t, nil)
	path := writeTempFile(t, 10)

	insertUpload(t, st, store.UploadRecord{
		FilePath:      path,
		DatasetID:     "N:dataset:1",
		ImportID:      "import-err",
		Status:        store.StatusQueued,
		UploadService: true,
	})

	storage.partErr = fmt.Errorf("disk on fire")

	require.NoError(t, engine.Step(context.Background()))

	rows, err := st.GetUploadsByImportID("import-err")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, rows[0].Status)
	assert.Contains(t, publisher.messages(), "upload_error")
}
