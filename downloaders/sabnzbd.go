package downloaders

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"
	"github.com/shelfarr-project/shelfarr/internal/db"
)

var sabLogger = log.With().Str("component", "sabnzbd").Logger()

// sabnzbdClient talks to the SABnzbd JSON API (api?mode=...). No Go client
// library exists for it, so the HTTP plumbing is kept in the adapter.
type sabnzbdClient struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	name       string
	category   string
	pathMap    PathMap
}

func newSABnzbd(cfg *db.DownloadClientConfig) (IDownloadClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid sabnzbd URL: %w", err)
	}

	return &sabnzbdClient{
		baseURL:    u,
		apiKey:     cfg.APIKey,
		httpClient: http.DefaultClient,
		name:       cfg.Name,
		category:   cfg.Category,
		pathMap:    pathMapFromConfig(cfg),
	}, nil
}

func (c *sabnzbdClient) Name() string { return c.name }

func (c *sabnzbdClient) Protocol() db.Protocol { return db.ProtocolUsenet }

func (c *sabnzbdClient) call(ctx context.Context, mode string, params url.Values, out interface{}) error {
	apiURL := c.baseURL.JoinPath("/api")

	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("mode", mode)
	q.Set("output", "json")
	q.Set("apikey", c.apiKey)
	apiURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sabnzbd %s failed with status %d: %s", mode, resp.StatusCode, string(bodyBytes))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", mode, err)
	}
	return nil
}

func (c *sabnzbdClient) TestConnection(ctx context.Context) error {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.call(ctx, "version", nil, &resp); err != nil {
		return err
	}
	if resp.Version == "" {
		return fmt.Errorf("sabnzbd returned no version, check the API key")
	}
	return nil
}

func (c *sabnzbdClient) Categories(ctx context.Context) ([]string, error) {
	var resp struct {
		Categories []string `json:"categories"`
	}
	if err := c.call(ctx, "get_cats", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Categories, nil
}

func (c *sabnzbdClient) Add(ctx context.Context, downloadURL string, category string) (string, error) {
	if category == "" {
		category = c.category
	}
	params := url.Values{}
	params.Set("name", downloadURL)
	if category != "" {
		params.Set("cat", category)
	}

	var resp struct {
		Status bool     `json:"status"`
		NzoIDs []string `json:"nzo_ids"`
	}
	if err := c.call(ctx, "addurl", params, &resp); err != nil {
		return "", err
	}
	if !resp.Status || len(resp.NzoIDs) == 0 {
		return "", fmt.Errorf("sabnzbd rejected the NZB")
	}

	sabLogger.Info().Str("name", c.name).Str("nzo_id", resp.NzoIDs[0]).Msg("nzb added")
	return resp.NzoIDs[0], nil
}

type sabQueueSlot struct {
	NzoID    string `json:"nzo_id"`
	Filename string `json:"filename"`
	MB       string `json:"mb"`
	MBLeft   string `json:"mbleft"`
	TimeLeft string `json:"timeleft"`
	Status   string `json:"status"`
}

type sabHistorySlot struct {
	NzoID   string `json:"nzo_id"`
	Name    string `json:"name"`
	Bytes   int64  `json:"bytes"`
	Status  string `json:"status"`
	Storage string `json:"storage"`
}

func (c *sabnzbdClient) Get(ctx context.Context, clientID string) (*DownloadInfo, error) {
	var queueResp struct {
		Queue struct {
			Slots []sabQueueSlot `json:"slots"`
			KBPS  string         `json:"kbpersec"`
		} `json:"queue"`
	}
	params := url.Values{}
	params.Set("nzo_ids", clientID)
	if err := c.call(ctx, "queue", params, &queueResp); err != nil {
		return nil, err
	}

	for _, slot := range queueResp.Queue.Slots {
		if slot.NzoID != clientID {
			continue
		}
		total := parseMB(slot.MB)
		left := parseMB(slot.MBLeft)
		info := &DownloadInfo{
			Name:      slot.Filename,
			SizeBytes: total,
		}
		if total > 0 {
			info.Progress = float64(total-left) / float64(total)
		}
		return info, nil
	}

	var histResp struct {
		History struct {
			Slots []sabHistorySlot `json:"slots"`
		} `json:"history"`
	}
	if err := c.call(ctx, "history", params, &histResp); err != nil {
		return nil, err
	}

	for _, slot := range histResp.History.Slots {
		if slot.NzoID != clientID {
			continue
		}
		return &DownloadInfo{
			Name:      slot.Name,
			SizeBytes: slot.Bytes,
			Progress:  1,
			Completed: slot.Status == "Completed",
			SavePath:  c.pathMap.ToLocal(slot.Storage),
		}, nil
	}

	return nil, nil
}

func (c *sabnzbdClient) Delete(ctx context.Context, clientID string, deleteFiles bool) error {
	params := url.Values{}
	params.Set("name", "delete")
	params.Set("value", clientID)
	if deleteFiles {
		params.Set("del_files", "1")
	}

	// the item may sit in either the queue or the history; both deletes
	// succeed for unknown ids, which keeps this idempotent
	if err := c.call(ctx, "queue", params, nil); err != nil {
		return err
	}
	if err := c.call(ctx, "history", params, nil); err != nil {
		return err
	}

	sabLogger.Info().Str("name", c.name).Str("nzo_id", clientID).Bool("delete_files", deleteFiles).Msg("nzb deleted")
	return nil
}

func parseMB(s string) int64 {
	var mb float64
	if _, err := fmt.Sscanf(s, "%f", &mb); err != nil {
		return 0
	}
	return int64(mb * 1024 * 1024)
}
