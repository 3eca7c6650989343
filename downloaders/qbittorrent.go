package downloaders

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"
	"github.com/rs/zerolog/log"
	"github.com/shelfarr-project/shelfarr/internal/db"
	"github.com/shelfarr-project/shelfarr/internal/helpers"
)

var qbtLogger = log.With().Str("component", "qbittorrent").Logger()

type qbittorrentClient struct {
	client     *qbt.Client
	httpClient *http.Client
	name       string
	category   string
	pathMap    PathMap
}

func newQBittorrent(cfg *db.DownloadClientConfig) (IDownloadClient, error) {
	client := qbt.NewClient(qbt.Config{
		Host:     cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
	})

	return &qbittorrentClient{
		client:     client,
		httpClient: http.DefaultClient,
		name:       cfg.Name,
		category:   cfg.Category,
		pathMap:    pathMapFromConfig(cfg),
	}, nil
}

func (c *qbittorrentClient) Name() string { return c.name }

func (c *qbittorrentClient) Protocol() db.Protocol { return db.ProtocolTorrent }

func (c *qbittorrentClient) TestConnection(ctx context.Context) error {
	if err := c.client.LoginCtx(ctx); err != nil {
		return fmt.Errorf("qbittorrent login failed: %w", err)
	}
	return nil
}

func (c *qbittorrentClient) Categories(ctx context.Context) ([]string, error) {
	categories, err := c.client.GetCategoriesCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get categories: %w", err)
	}

	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *qbittorrentClient) Add(ctx context.Context, downloadURL string, category string) (string, error) {
	// qBittorrent's add endpoint does not echo the hash back, so it is
	// resolved from the magnet link or the .torrent file up front.
	hash, err := helpers.TorrentHandle(c.httpClient, downloadURL)
	if err != nil {
		return "", fmt.Errorf("failed to resolve torrent hash: %w", err)
	}

	if category == "" {
		category = c.category
	}
	options := map[string]string{}
	if category != "" {
		options["category"] = category
	}

	if err := c.client.AddTorrentFromUrlCtx(ctx, downloadURL, options); err != nil {
		return "", fmt.Errorf("failed to add torrent: %w", err)
	}

	qbtLogger.Info().Str("name", c.name).Str("hash", hash).Msg("torrent added")
	return hash, nil
}

func (c *qbittorrentClient) Get(ctx context.Context, clientID string) (*DownloadInfo, error) {
	torrents, err := c.client.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{
		Hashes: []string{clientID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get torrent: %w", err)
	}

	for _, t := range torrents {
		if !strings.EqualFold(t.Hash, clientID) {
			continue
		}
		return &DownloadInfo{
			Name:          t.Name,
			SizeBytes:     t.Size,
			Progress:      t.Progress,
			DownloadSpeed: t.DlSpeed,
			ETA:           time.Duration(t.ETA) * time.Second,
			SeedingTime:   time.Duration(t.SeedingTime) * time.Second,
			SavePath:      c.pathMap.ToLocal(t.SavePath),
			Completed:     t.Progress >= 1,
		}, nil
	}
	return nil, nil
}

func (c *qbittorrentClient) Delete(ctx context.Context, clientID string, deleteFiles bool) error {
	// qBittorrent ignores unknown hashes, which gives the idempotency the
	// cleanup engine relies on.
	if err := c.client.DeleteTorrentsCtx(ctx, []string{clientID}, deleteFiles); err != nil {
		return fmt.Errorf("failed to delete torrent: %w", err)
	}
	qbtLogger.Info().Str("name", c.name).Str("hash", clientID).Bool("delete_files", deleteFiles).Msg("torrent deleted")
	return nil
}
