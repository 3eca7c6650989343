// Package library talks to the media-library backend that serves finished
// audiobooks to users. Only the match boundary lives here: the engine asks
// whether a title has shown up in the library yet.
package library

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client is a client for the media-library search API.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new media-library client.
func NewClient(baseURL, apiKey string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    u,
		apiKey:     apiKey,
		httpClient: httpClient,
	}, nil
}

type searchResponse struct {
	Results []searchResult `json:"results"`
}

type searchResult struct {
	Title  string `json:"title"`
	Author string `json:"author"`
}

// HasBook reports whether the library already serves the given title. The
// search is fuzzy on the server side, so hits are re-checked against the
// wanted title before they count as a match.
func (c *Client) HasBook(ctx context.Context, title, author string) (bool, error) {
	searchURL := c.baseURL.JoinPath("/api/search")
	q := url.Values{}
	q.Set("q", strings.TrimSpace(title+" "+author))
	searchURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL.String(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to send search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("search request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var searchResp searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return false, fmt.Errorf("failed to decode search response: %w", err)
	}

	for _, r := range searchResp.Results {
		if titleMatches(r.Title, title) {
			return true, nil
		}
	}
	return false, nil
}

func titleMatches(got, want string) bool {
	got = strings.ToLower(got)
	for _, tok := range strings.Fields(strings.ToLower(want)) {
		if !strings.Contains(got, tok) {
			return false
		}
	}
	return want != ""
}
