// Package prowlarr queries a Prowlarr instance, the single aggregation
// point for every configured indexer.
package prowlarr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/shelfarr-project/shelfarr/indexers"
)

var logger = log.With().Str("component", "prowlarr").Logger()

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retryDelay time.Duration
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		retryDelay: 2 * time.Second,
	}
}

type searchResult struct {
	Title        string    `json:"title"`
	Indexer      string    `json:"indexer"`
	Protocol     string    `json:"protocol"`
	DownloadURL  string    `json:"downloadUrl"`
	MagnetURL    string    `json:"magnetUrl"`
	Size         int64     `json:"size"`
	Seeders      int       `json:"seeders"`
	Leechers     int       `json:"leechers"`
	IndexerFlags []string  `json:"indexerFlags"`
	PublishDate  time.Time `json:"publishDate"`
}

// Search runs one query across all indexers Prowlarr manages, scoped to the
// given Newznab categories. Transient failures are retried before the error
// is surfaced to the caller.
func (c *Client) Search(ctx context.Context, query string, categories []int) ([]indexers.TorrentResult, error) {
	q := url.Values{}
	q.Set("query", query)
	q.Set("type", "search")
	for _, cat := range categories {
		q.Add("categories", strconv.Itoa(cat))
	}

	reqURL := fmt.Sprintf("%s/api/v1/search?%s", c.baseURL, q.Encode())

	var raw []searchResult
	err := retry.Do(
		func() error {
			return c.get(ctx, reqURL, &raw)
		},
		retry.Attempts(3),
		retry.Delay(c.retryDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("prowlarr search %q: %w", query, err)
	}

	results := make([]indexers.TorrentResult, 0, len(raw))
	for _, r := range raw {
		downloadURL := r.DownloadURL
		if downloadURL == "" {
			downloadURL = r.MagnetURL
		}
		if downloadURL == "" {
			logger.Warn().Str("title", r.Title).Str("indexer", r.Indexer).Msg("result without download url skipped")
			continue
		}
		results = append(results, indexers.TorrentResult{
			Title:       r.Title,
			IndexerName: r.Indexer,
			Protocol:    protocolFor(r.Protocol),
			DownloadURL: downloadURL,
			SizeBytes:   r.Size,
			Seeders:     r.Seeders,
			Leechers:    r.Leechers,
			Flags:       r.IndexerFlags,
			PublishDate: r.PublishDate,
		})
	}

	logger.Debug().Str("query", query).Int("results", len(results)).Msg("search completed")
	return results, nil
}

func protocolFor(p string) indexers.Protocol {
	switch p {
	case "usenet":
		return indexers.ProtocolUsenet
	case "torrent":
		return indexers.ProtocolTorrent
	default:
		return indexers.ProtocolArchive
	}
}

func (c *Client) get(ctx context.Context, reqURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("prowlarr returned %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
