// Package upload drives queued files through multipart object-storage
// uploads and commits finished import groups on the platform. The work
// queue lives in the agent store; rows survive restarts and resumable
// rows carry their multipart session so parts already stored are never
// sent twice.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/pennsieve/agent/pkg/api"
	"github.com/pennsieve/agent/pkg/metrics"
)

// defaultChunkSize is the multipart part size for new sessions. Stored
// on the row so a resumed upload keeps the size it started with.
const defaultChunkSize int64 = 8 * 1024 * 1024

// CompletedPart is one stored part of a multipart session.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}

// ObjectStorage is the slice of the object-store API the uploader needs.
// The production implementation wraps S3 with temporary credentials; tests
// substitute an in-memory fake.
type ObjectStorage interface {
	CreateMultipartUpload(ctx context.Context, key string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (CompletedPart, error)
	CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error
	AbortMultipartUpload(ctx context.Context, key, uploadID string) error
	// ListParts returns the parts already stored for a session, used to
	// skip them when resuming.
	ListParts(ctx context.Context, key, uploadID string) ([]CompletedPart, error)
}

// s3Storage is the production ObjectStorage over aws-sdk-go-v2.
type s3Storage struct {
	client *s3.Client
	bucket string
}

// NewS3Storage builds an ObjectStorage from the platform's temporary
// credentials.
func NewS3Storage(creds *api.TemporaryCredentials) ObjectStorage {
	cfg := aws.Config{
		Region: creds.Region,
		Credentials: awscreds.NewStaticCredentialsProvider(
			creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
	}
	return &s3Storage{
		client: s3.NewFromConfig(cfg),
		bucket: creds.Bucket,
	}
}

func (s *s3Storage) CreateMultipartUpload(ctx context.Context, key string) (string, error) {
	result, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create multipart upload: %w", err)
	}
	return *result.UploadId, nil
}

func (s *s3Storage) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (CompletedPart, error) {
	result, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return CompletedPart{}, fmt.Errorf("failed to upload part %d: %w", partNumber, err)
	}
	return CompletedPart{PartNumber: partNumber, ETag: aws.ToString(result.ETag)}, nil
}

func (s *s3Storage) CompleteMultipartUpload(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		}
	}
	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	return nil
}

func (s *s3Storage) AbortMultipartUpload(ctx context.Context, key, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}
	return nil
}

func (s *s3Storage) ListParts(ctx context.Context, key, uploadID string) ([]CompletedPart, error) {
	var parts []CompletedPart
	var marker *string
	for {
		result, err := s.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(s.bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list parts: %w", err)
		}
		for _, p := range result.Parts {
			parts = append(parts, CompletedPart{
				PartNumber: aws.ToInt32(p.PartNumber),
				ETag:       aws.ToString(p.ETag),
			})
		}
		if !aws.ToBool(result.IsTruncated) {
			return parts, nil
		}
		marker = result.NextPartNumberMarker
	}
}

// S3File is one queued file translated for upload: its object key, part
// size, and (when resuming) the multipart session already open for it.
type S3File struct {
	RecordID          int64
	Path              string
	Key               string
	Size              int64
	ChunkSize         int64
	MultipartUploadID string
}

// PartProgress is reported after every stored part.
type PartProgress struct {
	PartNumber int32
	BytesSent  int64
	Size       int64
	Done       bool
}

// Uploader streams files to object storage with bounded parallelism
// across parts.
type Uploader struct {
	storage     ObjectStorage
	parallelism int

	// OnSession is invoked when a new multipart session opens, so the
	// caller can persist the session ID for resumption.
	OnSession func(recordID int64, uploadID string, chunkSize int64)
}

// NewUploader returns an uploader over the given storage.
func NewUploader(storage ObjectStorage, parallelism int) *Uploader {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Uploader{storage: storage, parallelism: parallelism}
}

// UploadFile streams one file, part by part, calling progress after each
// stored part. Parts already present in a resumed session are counted as
// sent but not re-uploaded.
func (u *Uploader) UploadFile(ctx context.Context, file *S3File, progress func(PartProgress)) error {
	f, err := os.Open(file.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, file.Path)
		}
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	chunkSize := file.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	uploadID := file.MultipartUploadID
	done := make(map[int32]CompletedPart)
	if uploadID == "" {
		uploadID, err = u.storage.CreateMultipartUpload(ctx, file.Key)
		if err != nil {
			return err
		}
		if u.OnSession != nil {
			u.OnSession(file.RecordID, uploadID, chunkSize)
		}
	} else {
		stored, err := u.storage.ListParts(ctx, file.Key, uploadID)
		if err != nil {
			return err
		}
		for _, p := range stored {
			done[p.PartNumber] = p
		}
	}

	var (
		mu        sync.Mutex
		parts     []CompletedPart
		bytesSent int64
		firstErr  error
		wg        sync.WaitGroup
	)
	sem := make(chan struct{}, u.parallelism)

	record := func(part CompletedPart, n int64) {
		mu.Lock()
		parts = append(parts, part)
		bytesSent += n
		sent := bytesSent
		mu.Unlock()
		if progress != nil {
			progress(PartProgress{
				PartNumber: part.PartNumber,
				BytesSent:  sent,
				Size:       size,
				Done:       sent >= size,
			})
		}
	}
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	partNumber := int32(0)
	for offset := int64(0); offset < size || size == 0; offset += chunkSize {
		partNumber++
		n := chunkSize
		if remaining := size - offset; remaining < n {
			n = remaining
		}

		if p, ok := done[partNumber]; ok {
			// Already stored by a previous run; skip the read entirely.
			if _, err := f.Seek(n, io.SeekCurrent); err != nil {
				fail(err)
				break
			}
			record(p, n)
			if size == 0 {
				break
			}
			continue
		}

		buf := make([]byte, n)
		if size > 0 {
			if _, err := io.ReadFull(f, buf); err != nil {
				fail(err)
				break
			}
		}

		mu.Lock()
		failed := firstErr != nil
		mu.Unlock()
		if failed {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(partNumber int32, buf []byte) {
			defer wg.Done()
			defer func() { <-sem }()
			part, err := u.storage.UploadPart(ctx, file.Key, uploadID, partNumber, buf)
			if err != nil {
				fail(err)
				return
			}
			metrics.ObserveUploadPart(int64(len(buf)))
			record(part, int64(len(buf)))
		}(partNumber, buf)

		if size == 0 {
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return u.storage.CompleteMultipartUpload(ctx, file.Key, uploadID, parts)
}

// ObjectKey builds the object-storage key for one file of an import
// group.
func ObjectKey(prefix, importID, fileName string) string {
	return path.Join(prefix, importID, fileName)
}
