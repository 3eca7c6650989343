package db

import (
	"time"

	"gorm.io/gorm"
)

type DownloadStatus string

const (
	DownloadActive    DownloadStatus = "active"
	DownloadCompleted DownloadStatus = "completed"
	DownloadFailed    DownloadStatus = "failed"
	DownloadRemoved   DownloadStatus = "removed"
)

// DownloadHistory is the append-only record of one concrete download attempt
// tied to a request. Several requests may point at the same client handle
// when they resolved to the same physical download.
type DownloadHistory struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	RequestID uint `gorm:"index"`

	// DownloadClient is the protocol implementation that owns the handle
	// ("qbittorrent", "transmission", "sabnzbd", "nzbget").
	DownloadClient string
	// DownloadClientID is the client-specific handle: the torrent hash for
	// torrent clients, the queue item id for usenet clients.
	DownloadClientID string `gorm:"index"`
	Protocol         string `gorm:"index"` // "torrent" or "usenet"

	IndexerName      string
	Title            string
	TorrentSizeBytes int64

	Status DownloadStatus
	// Selected marks the attempt that is authoritative for this request.
	Selected bool `gorm:"index:idx_request_selected"`

	StartedAt   time.Time
	CompletedAt *time.Time
}

func SaveDownloadHistory(db *gorm.DB, h *DownloadHistory) error {
	return db.Save(h).Error
}

// GetSelectedHistory returns the authoritative download attempt for a
// request, or gorm.ErrRecordNotFound when none has been selected yet.
func GetSelectedHistory(db *gorm.DB, requestID uint) (*DownloadHistory, error) {
	h := &DownloadHistory{}
	err := db.Where("request_id = ?", requestID).Where("selected = ?", true).
		Order("created_at DESC").First(h).Error
	return h, err
}

// MarkSelected makes h the single authoritative attempt for its request,
// clearing the flag on any previous attempt first.
func MarkSelected(db *gorm.DB, h *DownloadHistory) error {
	if err := db.Model(&DownloadHistory{}).
		Where("request_id = ?", h.RequestID).
		Update("selected", false).Error; err != nil {
		return err
	}
	h.Selected = true
	return db.Save(h).Error
}

func ListHistoryForRequest(db *gorm.DB, requestID uint) ([]DownloadHistory, error) {
	var hs []DownloadHistory
	err := db.Where("request_id = ?", requestID).Order("created_at ASC").Find(&hs).Error
	return hs, err
}

// CountOtherActiveReferences is the reference-counting guard for the cleanup
// engine: it counts non-soft-deleted requests other than requestID whose
// selected download attempt points at the same client handle.
func CountOtherActiveReferences(db *gorm.DB, clientID string, requestID uint) (int64, error) {
	var n int64
	err := db.Model(&DownloadHistory{}).
		Joins("JOIN requests ON requests.id = download_histories.request_id").
		Where("download_histories.download_client_id = ?", clientID).
		Where("download_histories.selected = ?", true).
		Where("download_histories.request_id != ?", requestID).
		Where("requests.deleted_at IS NULL").
		Count(&n).Error
	return n, err
}
