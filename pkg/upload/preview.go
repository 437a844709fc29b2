package upload

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pennsieve/agent/internal/logger"
	"github.com/pennsieve/agent/pkg/api"
	"github.com/pennsieve/agent/pkg/status"
	"github.com/pennsieve/agent/pkg/store"
)

// reservedPrefixes are platform identifier prefixes that can never be
// local file paths. Catching them early turns a confusing storage error
// into an immediate validation failure.
var reservedPrefixes = []string{"N:dataset", "N:package"}

// QueueRequest describes a set of local files to queue for upload.
type QueueRequest struct {
	Dataset   string
	Package   *string
	Files     []string
	Recursive bool
	Append    bool
}

// QueueFromStatus translates an inbound status-hub request.
func QueueFromStatus(req status.QueueUploadRequest) QueueRequest {
	q := QueueRequest{
		Dataset: req.Dataset,
		Package: req.Package,
		Files:   req.Files,
	}
	if req.Recursive != nil {
		q.Recursive = *req.Recursive
	}
	if req.Append != nil {
		q.Append = *req.Append
	}
	return q
}

// validatePaths rejects platform identifiers passed where file paths
// belong and resolves every argument to an absolute path.
func validatePaths(files []string) ([]string, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files given", ErrInvalidPath)
	}
	resolved := make([]string, 0, len(files))
	for _, f := range files {
		for _, prefix := range reservedPrefixes {
			if strings.HasPrefix(f, prefix) {
				return nil, fmt.Errorf("%w: %q is a platform identifier", ErrInvalidPath, f)
			}
		}
		abs, err := filepath.Abs(f)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPath, f)
		}
		resolved = append(resolved, abs)
	}
	return resolved, nil
}

// expandFiles resolves the argument list to regular files. Directories
// are walked when recursive, rejected otherwise.
func expandFiles(files []string, recursive bool) ([]string, error) {
	var out []string
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrFileNotFound, f)
			}
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, f)
			continue
		}
		if !recursive {
			return nil, fmt.Errorf("%w: %s", ErrDirectoryInFileUpload, f)
		}
		err = filepath.Walk(f, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// QueueUpload validates a request, previews it on the platform, and
// inserts one queued row per file. It returns the import IDs created.
func (e *Engine) QueueUpload(req QueueRequest) ([]string, error) {
	paths, err := validatePaths(req.Files)
	if err != nil {
		return nil, err
	}
	paths, err = expandFiles(paths, req.Recursive)
	if err != nil {
		return nil, err
	}

	user, err := e.session.EnsureSession()
	if err != nil {
		return nil, err
	}

	preview := make([]api.PreviewFile, len(paths))
	byName := make(map[string]string, len(paths))
	for i, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		name := filepath.Base(p)
		preview[i] = api.PreviewFile{UploadID: int64(i), FileName: name, Size: info.Size()}
		byName[name] = p
	}

	resp, err := e.session.Client().PreviewUpload(user.OrganizationID, req.Dataset, req.Append, preview)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var importIDs []string
	for _, pkg := range resp.Packages {
		importIDs = append(importIDs, pkg.ImportID)
		for _, f := range pkg.Files {
			path, ok := byName[f.FileName]
			if !ok {
				logger.Warn("preview returned unknown file", logger.KeyPath, f.FileName)
				continue
			}
			rec := store.UploadRecord{
				FilePath:       path,
				DatasetID:      req.Dataset,
				PackageID:      req.Package,
				ImportID:       pkg.ImportID,
				Status:         store.StatusQueued,
				CreatedAt:      now,
				UpdatedAt:      now,
				Append:         req.Append,
				UploadService:  true,
				OrganizationID: user.OrganizationID,
			}
			if err := e.store.InsertUpload(&rec); err != nil {
				return nil, err
			}
			e.publish(status.FileQueuedForUpload{ImportID: pkg.ImportID, Path: path})
		}
	}
	return importIDs, nil
}
