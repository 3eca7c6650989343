package downloaders

import (
	"context"
	"fmt"
	"time"

	"github.com/shelfarr-project/shelfarr/internal/db"
)

// DownloadInfo is the uniform view of one download, regardless of which
// protocol backend reported it. SavePath is already translated to the local
// filesystem namespace.
type DownloadInfo struct {
	Name          string
	SizeBytes     int64
	Progress      float64 // 0.0 - 1.0
	DownloadSpeed int64   // bytes per second
	ETA           time.Duration
	SeedingTime   time.Duration
	SavePath      string
	Completed     bool
}

// IDownloadClient is the protocol-agnostic download client contract. Every
// backend (qBittorrent, Transmission, SABnzbd, NZBGet) implements the same
// shape and is consumed identically.
type IDownloadClient interface {
	Name() string
	Protocol() db.Protocol

	// TestConnection verifies reachability and credentials without mutating
	// any client state.
	TestConnection(ctx context.Context) error

	Categories(ctx context.Context) ([]string, error)

	// Add submits a download by URL (torrent file, magnet, or NZB) and
	// returns the client-specific handle.
	Add(ctx context.Context, downloadURL string, category string) (string, error)

	// Get returns nil, nil when the handle is unknown to the client.
	Get(ctx context.Context, clientID string) (*DownloadInfo, error)

	// Delete removes a download, optionally with its files. Deleting a
	// handle the client no longer knows must succeed.
	Delete(ctx context.Context, clientID string, deleteFiles bool) error
}

// New builds the adapter for a stored client config.
func New(cfg *db.DownloadClientConfig) (IDownloadClient, error) {
	switch cfg.Type {
	case db.ClientQBittorrent:
		return newQBittorrent(cfg)
	case db.ClientTransmission:
		return newTransmission(cfg)
	case db.ClientSABnzbd:
		return newSABnzbd(cfg)
	case db.ClientNZBGet:
		return newNZBGet(cfg)
	default:
		return nil, fmt.Errorf("unknown download client type %q", cfg.Type)
	}
}
