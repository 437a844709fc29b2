package api

import (
	"fmt"
	"net/url"
	"time"
)

// PreviewFile describes one local file submitted for upload preview.
type PreviewFile struct {
	UploadID int64  `json:"uploadId"`
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
}

// PreviewPackage is one platform package the preview grouped files into.
// Every file in a package shares the package's import ID.
type PreviewPackage struct {
	PackageName string        `json:"packageName"`
	ImportID    string        `json:"importId"`
	Files       []PreviewFile `json:"files"`
}

// PreviewResponse is the platform's grouping of a preview request.
type PreviewResponse struct {
	Packages []PreviewPackage `json:"packages"`
}

// PreviewUpload asks the platform how a set of files will be grouped into
// packages and obtains an import ID per group.
func (c *Client) PreviewUpload(organizationID, datasetID string, append bool, files []PreviewFile) (*PreviewResponse, error) {
	req := struct {
		Files []PreviewFile `json:"files"`
	}{Files: files}

	path := fmt.Sprintf("/upload/preview/organizations/%s?append=%t&dataset_id=%s",
		url.PathEscape(organizationID), append, url.QueryEscape(datasetID))

	var resp PreviewResponse
	if err := c.post(path, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CompleteUpload commits every file of an import group on the platform.
// Only called after all parts of all files have been stored.
func (c *Client) CompleteUpload(organizationID, importID, datasetID string, packageID *string, append bool) error {
	q := url.Values{}
	q.Set("organization_id", organizationID)
	q.Set("dataset_id", datasetID)
	q.Set("append", fmt.Sprintf("%t", append))
	if packageID != nil {
		q.Set("destination_id", *packageID)
	}

	path := fmt.Sprintf("/upload/complete/organizations/%s/id/%s?%s",
		url.PathEscape(organizationID), url.PathEscape(importID), q.Encode())
	return c.post(path, nil, nil)
}

// TemporaryCredentials are scoped object-storage credentials for one
// import group.
type TemporaryCredentials struct {
	AccessKeyID     string    `json:"accessKey"`
	SecretAccessKey string    `json:"secretKey"`
	SessionToken    string    `json:"sessionToken"`
	Expiration      time.Time `json:"expiration"`
	Region          string    `json:"region"`
	Bucket          string    `json:"bucket"`
	KeyPrefix       string    `json:"keyPrefix"`
}

// GetTemporaryCredentials fetches object-storage credentials scoped to
// one import group.
func (c *Client) GetTemporaryCredentials(importID string) (*TemporaryCredentials, error) {
	var creds TemporaryCredentials
	path := "/upload/credentials/" + url.PathEscape(importID)
	if err := c.get(path, &creds); err != nil {
		return nil, err
	}
	return &creds, nil
}
