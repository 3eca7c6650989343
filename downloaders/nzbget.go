package downloaders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/shelfarr-project/shelfarr/internal/db"
)

var nzbgetLogger = log.With().Str("component", "nzbget").Logger()

// nzbgetClient talks to the NZBGet JSON-RPC API. Handles are the stringified
// NZB ids NZBGet assigns on append.
type nzbgetClient struct {
	rpcURL     *url.URL
	httpClient *http.Client
	name       string
	category   string
	pathMap    PathMap
}

func newNZBGet(cfg *db.DownloadClientConfig) (IDownloadClient, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid nzbget URL: %w", err)
	}
	if cfg.Username != "" {
		u.User = url.UserPassword(cfg.Username, cfg.Password)
	}

	return &nzbgetClient{
		rpcURL:     u.JoinPath("/jsonrpc"),
		httpClient: http.DefaultClient,
		name:       cfg.Name,
		category:   cfg.Category,
		pathMap:    pathMapFromConfig(cfg),
	}, nil
}

func (c *nzbgetClient) Name() string { return c.name }

func (c *nzbgetClient) Protocol() db.Protocol { return db.ProtocolUsenet }

func (c *nzbgetClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	reqBody, err := json.Marshal(map[string]interface{}{
		"method": method,
		"params": params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL.String(), bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("nzbget %s failed with status %d: %s", method, resp.StatusCode, string(bodyBytes))
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("nzbget %s error: %s", method, rpcResp.Error.Message)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, result)
}

func (c *nzbgetClient) TestConnection(ctx context.Context) error {
	var version string
	if err := c.call(ctx, "version", nil, &version); err != nil {
		return fmt.Errorf("nzbget unreachable: %w", err)
	}
	return nil
}

// Categories returns the configured category; NZBGet exposes categories only
// through its full config dump, which is not worth fetching here.
func (c *nzbgetClient) Categories(ctx context.Context) ([]string, error) {
	if c.category == "" {
		return []string{}, nil
	}
	return []string{c.category}, nil
}

func (c *nzbgetClient) Add(ctx context.Context, downloadURL string, category string) (string, error) {
	if category == "" {
		category = c.category
	}

	var id int64
	// append(NZBFilename, Content, Category, Priority, AddToTop, AddPaused,
	// DupeKey, DupeScore, DupeMode)
	err := c.call(ctx, "append", []interface{}{
		"", downloadURL, category, 0, false, false, "", 0, "SCORE",
	}, &id)
	if err != nil {
		return "", err
	}
	if id <= 0 {
		return "", fmt.Errorf("nzbget rejected the NZB")
	}

	handle := strconv.FormatInt(id, 10)
	nzbgetLogger.Info().Str("name", c.name).Str("nzb_id", handle).Msg("nzb added")
	return handle, nil
}

type nzbgetGroup struct {
	NZBID         int64  `json:"NZBID"`
	NZBName       string `json:"NZBName"`
	FileSizeLo    int64  `json:"FileSizeLo"`
	FileSizeHi    int64  `json:"FileSizeHi"`
	RemainingSize int64  `json:"RemainingSizeLo"`
	DestDir       string `json:"DestDir"`
	Status        string `json:"Status"`
}

func (c *nzbgetClient) Get(ctx context.Context, clientID string) (*DownloadInfo, error) {
	id, err := strconv.ParseInt(clientID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid nzbget handle %q: %w", clientID, err)
	}

	var groups []nzbgetGroup
	if err := c.call(ctx, "listgroups", []interface{}{0}, &groups); err != nil {
		return nil, err
	}
	for _, g := range groups {
		if g.NZBID != id {
			continue
		}
		size := g.FileSizeHi<<32 | g.FileSizeLo
		info := &DownloadInfo{
			Name:      g.NZBName,
			SizeBytes: size,
			SavePath:  c.pathMap.ToLocal(g.DestDir),
		}
		if size > 0 {
			info.Progress = float64(size-g.RemainingSize) / float64(size)
		}
		return info, nil
	}

	var history []nzbgetGroup
	if err := c.call(ctx, "history", []interface{}{false}, &history); err != nil {
		return nil, err
	}
	for _, g := range history {
		if g.NZBID != id {
			continue
		}
		return &DownloadInfo{
			Name:      g.NZBName,
			SizeBytes: g.FileSizeHi<<32 | g.FileSizeLo,
			Progress:  1,
			Completed: g.Status == "SUCCESS" || g.Status == "SUCCESS/ALL",
			SavePath:  c.pathMap.ToLocal(g.DestDir),
		}, nil
	}

	return nil, nil
}

func (c *nzbgetClient) Delete(ctx context.Context, clientID string, deleteFiles bool) error {
	id, err := strconv.ParseInt(clientID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid nzbget handle %q: %w", clientID, err)
	}

	command := "GroupDelete"
	if deleteFiles {
		command = "GroupFinalDelete"
	}

	// editqueue returns false for unknown ids without raising; treat both
	// outcomes as success so deletes stay idempotent
	var ok bool
	if err := c.call(ctx, "editqueue", []interface{}{command, "", []int64{id}}, &ok); err != nil {
		return err
	}
	if err := c.call(ctx, "editqueue", []interface{}{"HistoryFinalDelete", "", []int64{id}}, &ok); err != nil {
		return err
	}

	nzbgetLogger.Info().Str("name", c.name).Str("nzb_id", clientID).Bool("delete_files", deleteFiles).Msg("nzb deleted")
	return nil
}
