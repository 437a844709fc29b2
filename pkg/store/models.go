package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// UploadStatus is the lifecycle state of an upload row.
type UploadStatus string

const (
	StatusQueued     UploadStatus = "QUEUED"
	StatusInProgress UploadStatus = "IN_PROGRESS"
	StatusCompleted  UploadStatus = "COMPLETED"
	StatusFailed     UploadStatus = "FAILED"
)

// ParseUploadStatus converts a stored status string back to an UploadStatus.
// Returns ErrInvalidStatus for unknown values.
func ParseUploadStatus(s string) (UploadStatus, error) {
	switch UploadStatus(strings.ToUpper(s)) {
	case StatusQueued:
		return StatusQueued, nil
	case StatusInProgress:
		return StatusInProgress, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

// Terminal reports whether the status is a final state.
func (s UploadStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PageRecord is the cache metadata row for one on-disk page.
//
// The canonical key is "package.channel.size.index" with ':' in platform
// IDs replaced by '_' on Windows. A NaN-filled page has Size 0 and no file
// on disk; once NaNFilled is set it never reverts.
type PageRecord struct {
	ID        string    `gorm:"primaryKey;column:id"`
	NaNFilled bool      `gorm:"column:nan_filled"`
	Complete  bool      `gorm:"column:complete"`
	Size      int64     `gorm:"column:size"`
	LastUsed  time.Time `gorm:"column:last_used"`
}

// TableName implements gorm's Tabler.
func (PageRecord) TableName() string { return "pages" }

// PageKey builds the canonical page row key.
func PageKey(packageID, channelID string, pageSize int64, index int64) string {
	return fmt.Sprintf("%s.%s.%d.%d", packageID, channelID, pageSize, index)
}

// ParsePageKey splits a page row key back into its components. Channel IDs
// may themselves contain dots, so the key is parsed from the right: the
// last two segments are index and size, the first is the package, and
// everything between is the channel.
func ParsePageKey(key string) (packageID, channelID string, pageSize, index int64, err error) {
	parts := strings.Split(key, ".")
	if len(parts) < 4 {
		return "", "", 0, 0, fmt.Errorf("malformed page key %q", key)
	}
	index, err = parseInt(parts[len(parts)-1])
	if err != nil {
		return "", "", 0, 0, fmt.Errorf("malformed page key %q: %w", key, err)
	}
	pageSize, err = parseInt(parts[len(parts)-2])
	if err != nil {
		return "", "", 0, 0, fmt.Errorf("malformed page key %q: %w", key, err)
	}
	packageID = parts[0]
	channelID = strings.Join(parts[1:len(parts)-2], ".")
	return packageID, channelID, pageSize, index, nil
}

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// UploadRecord is one file in an import group waiting to be, or being,
// uploaded to the platform.
type UploadRecord struct {
	ID                int64        `gorm:"primaryKey;autoIncrement;column:id"`
	FilePath          string       `gorm:"column:file_path"`
	DatasetID         string       `gorm:"column:dataset_id"`
	PackageID         *string      `gorm:"column:package_id"`
	ImportID          string       `gorm:"column:import_id;index"`
	Progress          int          `gorm:"column:progress"`
	Status            UploadStatus `gorm:"column:status"`
	CreatedAt         time.Time    `gorm:"column:created_at"`
	UpdatedAt         time.Time    `gorm:"column:updated_at"`
	Append            bool         `gorm:"column:append"`
	UploadService     bool         `gorm:"column:upload_service"`
	OrganizationID    string       `gorm:"column:organization_id"`
	ChunkSize         *int64       `gorm:"column:chunk_size"`
	MultipartUploadID *string      `gorm:"column:multipart_upload_id"`
}

// TableName implements gorm's Tabler.
func (UploadRecord) TableName() string { return "uploads" }

// ShouldFail reports whether the row has been in progress too long and must
// be marked failed. The threshold is measured from creation.
func (u *UploadRecord) ShouldFail(maxAge time.Duration, now time.Time) bool {
	return u.CreatedAt.Add(maxAge).Before(now)
}

// ShouldRetry reports whether the row has stalled and is eligible for
// another attempt. The threshold is measured from the last update.
func (u *UploadRecord) ShouldRetry(stallAfter time.Duration, now time.Time) bool {
	return u.UpdatedAt.Add(stallAfter).Before(now)
}

// UserRecord caches the platform session for the active profile.
// There is exactly one row, keyed by a fixed inner id.
type UserRecord struct {
	InnerID          int       `gorm:"primaryKey;column:inner_id"`
	ID               string    `gorm:"column:id"`
	Name             string    `gorm:"column:name"`
	SessionToken     string    `gorm:"column:session_token"`
	Profile          string    `gorm:"column:profile"`
	Environment      string    `gorm:"column:environment"`
	OrganizationID   string    `gorm:"column:organization_id"`
	OrganizationName string    `gorm:"column:organization_name"`
	EncryptionKeyID  string    `gorm:"column:encryption_key_id"`
	UpdatedAt        time.Time `gorm:"column:updated_at"`
}

// TableName implements gorm's Tabler.
func (UserRecord) TableName() string { return "users" }

// userInnerID is the fixed primary key of the singleton user row.
const userInnerID = 1

// sessionTokenTTL is how long a cached platform session is trusted.
const sessionTokenTTL = 90 * time.Minute

// TokenValid reports whether the cached session token is still fresh.
func (u *UserRecord) TokenValid(now time.Time) bool {
	return u.UpdatedAt.Add(sessionTokenTTL).After(now)
}

// UserSettings holds per-(user, profile) preferences.
type UserSettings struct {
	UserID       string  `gorm:"primaryKey;column:user_id"`
	Profile      string  `gorm:"primaryKey;column:profile"`
	UseDatasetID *string `gorm:"column:use_dataset_id"`
}

// TableName implements gorm's Tabler.
func (UserSettings) TableName() string { return "user_settings" }

// VersionCheck records when the agent last polled for a new release.
type VersionCheck struct {
	Profile   string    `gorm:"primaryKey;column:profile"`
	LastCheck time.Time `gorm:"column:last_check"`
}

// TableName implements gorm's Tabler.
func (VersionCheck) TableName() string { return "version_checks" }
