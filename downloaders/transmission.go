package downloaders

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hekmon/transmissionrpc/v3"
	"github.com/rs/zerolog/log"
	"github.com/shelfarr-project/shelfarr/internal/db"
)

var transmissionLogger = log.With().Str("component", "transmission").Logger()

type transmissionClient struct {
	client   *transmissionrpc.Client
	name     string
	category string
	pathMap  PathMap
}

func newTransmission(cfg *db.DownloadClientConfig) (IDownloadClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}

	if cfg.Username != "" && cfg.Password != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}

	client, err := transmissionrpc.New(u, &transmissionrpc.Config{
		CustomClient: http.DefaultClient,
	})
	if err != nil {
		return nil, err
	}

	return &transmissionClient{
		client:   client,
		name:     cfg.Name,
		category: cfg.Category,
		pathMap:  pathMapFromConfig(cfg),
	}, nil
}

func (c *transmissionClient) Name() string { return c.name }

func (c *transmissionClient) Protocol() db.Protocol { return db.ProtocolTorrent }

func (c *transmissionClient) TestConnection(ctx context.Context) error {
	if _, err := c.client.SessionStats(ctx); err != nil {
		return fmt.Errorf("transmission unreachable: %w", err)
	}
	return nil
}

// Categories returns the configured category; Transmission has no category
// concept of its own.
func (c *transmissionClient) Categories(ctx context.Context) ([]string, error) {
	if c.category == "" {
		return []string{}, nil
	}
	return []string{c.category}, nil
}

func (c *transmissionClient) Add(ctx context.Context, downloadURL string, category string) (string, error) {
	t, err := c.client.TorrentAdd(ctx, transmissionrpc.TorrentAddPayload{
		Filename: &downloadURL,
	})
	if err != nil {
		return "", fmt.Errorf("failed to add torrent: %w", err)
	}
	if t.HashString == nil {
		return "", fmt.Errorf("transmission returned no hash for added torrent")
	}

	transmissionLogger.Info().Str("name", c.name).Str("hash", *t.HashString).Msg("torrent added")
	return *t.HashString, nil
}

func (c *transmissionClient) Get(ctx context.Context, clientID string) (*DownloadInfo, error) {
	torrents, err := c.client.TorrentGetAllForHashes(ctx, []string{clientID})
	if err != nil {
		return nil, fmt.Errorf("failed to get torrent: %w", err)
	}
	if len(torrents) == 0 {
		return nil, nil
	}

	t := torrents[0]
	info := &DownloadInfo{}
	if t.Name != nil {
		info.Name = *t.Name
	}
	if t.TotalSize != nil {
		info.SizeBytes = int64(t.TotalSize.Byte())
	}
	if t.PercentDone != nil {
		info.Progress = *t.PercentDone
		info.Completed = *t.PercentDone >= 1
	}
	if t.RateDownload != nil {
		info.DownloadSpeed = *t.RateDownload
	}
	if t.ETA != nil {
		info.ETA = time.Duration(*t.ETA) * time.Second
	}
	if t.TimeSeeding != nil {
		info.SeedingTime = *t.TimeSeeding
	}
	if t.DownloadDir != nil {
		info.SavePath = c.pathMap.ToLocal(*t.DownloadDir)
	}
	return info, nil
}

func (c *transmissionClient) Delete(ctx context.Context, clientID string, deleteFiles bool) error {
	torrents, err := c.client.TorrentGetAllForHashes(ctx, []string{clientID})
	if err != nil {
		return fmt.Errorf("failed to look up torrent: %w", err)
	}
	if len(torrents) == 0 || torrents[0].ID == nil {
		// already gone
		return nil
	}

	if err := c.client.TorrentRemove(ctx, transmissionrpc.TorrentRemovePayload{
		IDs:             []int64{*torrents[0].ID},
		DeleteLocalData: deleteFiles,
	}); err != nil {
		return fmt.Errorf("failed to delete torrent: %w", err)
	}

	transmissionLogger.Info().Str("name", c.name).Str("hash", clientID).Bool("delete_files", deleteFiles).Msg("torrent deleted")
	return nil
}
