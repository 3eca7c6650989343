package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

type Protocol string

const (
	ProtocolTorrent Protocol = "torrent"
	ProtocolUsenet  Protocol = "usenet"
)

type ClientType string

const (
	ClientQBittorrent  ClientType = "qbittorrent"
	ClientTransmission ClientType = "transmission"
	ClientSABnzbd      ClientType = "sabnzbd"
	ClientNZBGet       ClientType = "nzbget"
)

// Family returns the protocol family a client type belongs to.
func (t ClientType) Family() Protocol {
	switch t {
	case ClientSABnzbd, ClientNZBGet:
		return ProtocolUsenet
	default:
		return ProtocolTorrent
	}
}

// DownloadClientConfig is one configured backend instance. At most one
// enabled config per protocol family is permitted, enforced on save.
type DownloadClientConfig struct {
	ID        uint `gorm:"primarykey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Name    string     `gorm:"uniqueIndex"`
	Type    ClientType
	Enabled bool

	URL      string
	Username string
	Password string
	APIKey   string

	Category string

	// Remote path mapping for clients running on another host (seedbox).
	PathMappingEnabled bool
	RemotePathPrefix   string
	LocalPathPrefix    string
}

var ErrDuplicateProtocolClient = fmt.Errorf("another client for this protocol family is already enabled")

// SaveClientConfig persists cfg after validating the one-enabled-client-per-
// family rule. Validation failures surface synchronously, before any job can
// reference the config.
func SaveClientConfig(db *gorm.DB, cfg *DownloadClientConfig) error {
	if cfg.URL == "" {
		return fmt.Errorf("download client %q: url is required", cfg.Name)
	}
	if cfg.PathMappingEnabled && (cfg.RemotePathPrefix == "" || cfg.LocalPathPrefix == "") {
		return fmt.Errorf("download client %q: path mapping enabled but prefixes are not set", cfg.Name)
	}

	if cfg.Enabled {
		var others []DownloadClientConfig
		if err := db.Where("enabled = ?", true).Where("id != ?", cfg.ID).Find(&others).Error; err != nil {
			return err
		}
		for _, o := range others {
			if o.Type.Family() == cfg.Type.Family() {
				return fmt.Errorf("%w: %s", ErrDuplicateProtocolClient, o.Name)
			}
		}
	}

	return db.Save(cfg).Error
}

func GetClientConfig(db *gorm.DB, id uint) (*DownloadClientConfig, error) {
	cfg := &DownloadClientConfig{}
	err := db.First(cfg, "id = ?", id).Error
	return cfg, err
}

func ListClientConfigs(db *gorm.DB) ([]DownloadClientConfig, error) {
	var cfgs []DownloadClientConfig
	err := db.Order("name ASC").Find(&cfgs).Error
	return cfgs, err
}

// GetEnabledClientConfig returns the single enabled config for a protocol
// family, or gorm.ErrRecordNotFound when none is configured.
func GetEnabledClientConfig(db *gorm.DB, family Protocol) (*DownloadClientConfig, error) {
	var cfgs []DownloadClientConfig
	if err := db.Where("enabled = ?", true).Find(&cfgs).Error; err != nil {
		return nil, err
	}
	for i := range cfgs {
		if cfgs[i].Type.Family() == family {
			return &cfgs[i], nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func DeleteClientConfig(db *gorm.DB, id uint) error {
	return db.Delete(&DownloadClientConfig{}, id).Error
}
