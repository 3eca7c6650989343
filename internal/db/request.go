package db

import (
	"time"

	"gorm.io/gorm"
)

type RequestType string

const (
	RequestAudiobook RequestType = "audiobook"
	RequestEbook     RequestType = "ebook"
)

type RequestStatus string

const (
	StatusPending          RequestStatus = "pending"
	StatusAwaitingApproval RequestStatus = "awaiting_approval"
	StatusAwaitingSearch   RequestStatus = "awaiting_search"
	StatusDownloading      RequestStatus = "downloading"
	StatusAwaitingImport   RequestStatus = "awaiting_import"
	StatusDownloaded       RequestStatus = "downloaded"
	StatusAvailable        RequestStatus = "available"
	StatusDenied           RequestStatus = "denied"
	StatusFailed           RequestStatus = "failed"
	StatusWarn             RequestStatus = "warn"
	StatusCancelled        RequestStatus = "cancelled"
)

// SelectedTorrent is the snapshot of a user-chosen candidate kept on the
// request while it waits for admin approval or the download job.
type SelectedTorrent struct {
	Title       string   `json:"title"`
	IndexerName string   `json:"indexer_name"`
	Protocol    string   `json:"protocol"`
	DownloadURL string   `json:"download_url"`
	SizeBytes   int64    `json:"size_bytes"`
	Seeders     int      `json:"seeders"`
	Flags       []string `json:"flags,omitempty"`
}

// Request is one user-initiated fulfillment attempt for a title.
type Request struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	UserID   string      `gorm:"index"`
	UserName string
	Type     RequestType `gorm:"index"`
	// ParentRequestID links an ebook sidecar to its audiobook request.
	ParentRequestID *uint

	Title  string
	Author string

	Status RequestStatus `gorm:"index:idx_status_deleted"`

	SearchAttempts   int
	DownloadAttempts int
	ImportAttempts   int

	SelectedTorrent *SelectedTorrent `gorm:"serializer:json"`

	Progress     int // 0-100
	ErrorMessage string

	CompletedAt *time.Time
	DeletedAt   *time.Time `gorm:"index:idx_status_deleted"`
}

func (r *Request) SoftDeleted() bool {
	return r.DeletedAt != nil
}

func GetRequest(db *gorm.DB, id uint) (*Request, error) {
	r := &Request{}
	err := db.First(r, "id = ?", id).Error
	return r, err
}

func ListRequests(db *gorm.DB) ([]Request, error) {
	var rs []Request
	err := db.Where("deleted_at IS NULL").Order("created_at DESC").Find(&rs).Error
	return rs, err
}

func ListRequestsByStatus(db *gorm.DB, statuses ...RequestStatus) ([]Request, error) {
	var rs []Request
	err := db.Where("status IN ?", statuses).Where("deleted_at IS NULL").Find(&rs).Error
	return rs, err
}

func SaveRequest(db *gorm.DB, r *Request) error {
	return db.Save(r).Error
}

func SoftDeleteRequest(db *gorm.DB, r *Request) error {
	now := time.Now()
	r.DeletedAt = &now
	return db.Save(r).Error
}

// HardDeleteRequest removes the request row and its download history. Only
// the cleanup engine calls this, after confirming no shared download depends
// on the request.
func HardDeleteRequest(db *gorm.DB, id uint) error {
	if err := db.Where("request_id = ?", id).Delete(&DownloadHistory{}).Error; err != nil {
		return err
	}
	return db.Delete(&Request{}, id).Error
}

// ListCleanupCandidates returns terminally complete or soft-deleted requests,
// capped to limit so a single cleanup run stays short.
func ListCleanupCandidates(db *gorm.DB, limit int) ([]Request, error) {
	var rs []Request
	err := db.
		Where("status = ? OR (status = ? AND type = ?) OR deleted_at IS NOT NULL",
			StatusAvailable, StatusDownloaded, RequestEbook).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rs).Error
	return rs, err
}
