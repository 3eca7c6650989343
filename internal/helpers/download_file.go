package helpers

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// FetchTorrentFile downloads a .torrent file and returns its parsed metainfo
// together with the infohash that download clients use as the handle.
func FetchTorrentFile(httpClient *http.Client, rawURL string) (*metainfo.MetaInfo, string, error) {
	resp, err := httpClient.Get(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("HTTP GET error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP status error: %d %s", resp.StatusCode, resp.Status)
	}

	var buffer bytes.Buffer
	_, err = io.Copy(&buffer, resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}

	m, err := metainfo.Load(bytes.NewReader(buffer.Bytes()))
	if err != nil {
		return nil, "", fmt.Errorf("failed to load metainfo: %w", err)
	}

	return m, m.HashInfoBytes().HexString(), nil
}

// MagnetHash extracts the infohash from a magnet link.
func MagnetHash(rawURL string) (string, bool) {
	if !strings.HasPrefix(rawURL, "magnet:") {
		return "", false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	for _, xt := range u.Query()["xt"] {
		if h, ok := strings.CutPrefix(xt, "urn:btih:"); ok && h != "" {
			return strings.ToLower(h), true
		}
	}
	return "", false
}

// TorrentHandle resolves the infohash for a torrent download URL, fetching
// and parsing the .torrent file when the URL is not a magnet link.
func TorrentHandle(httpClient *http.Client, rawURL string) (string, error) {
	if hash, ok := MagnetHash(rawURL); ok {
		return hash, nil
	}
	_, hash, err := FetchTorrentFile(httpClient, rawURL)
	if err != nil {
		return "", err
	}
	return strings.ToLower(hash), nil
}
