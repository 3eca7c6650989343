package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientTypeFamily(t *testing.T) {
	assert.Equal(t, ProtocolTorrent, ClientQBittorrent.Family())
	assert.Equal(t, ProtocolTorrent, ClientTransmission.Family())
	assert.Equal(t, ProtocolUsenet, ClientSABnzbd.Family())
	assert.Equal(t, ProtocolUsenet, ClientNZBGet.Family())
}

func TestSaveClientConfig_OneEnabledPerFamily(t *testing.T) {
	db, err := SqliteForTest()
	require.NoError(t, err)

	qb := &DownloadClientConfig{Name: "qb", Type: ClientQBittorrent, Enabled: true, URL: "http://qb:8080"}
	require.NoError(t, SaveClientConfig(db, qb))

	// second torrent client must be rejected
	tr := &DownloadClientConfig{Name: "tr", Type: ClientTransmission, Enabled: true, URL: "http://tr:9091"}
	err = SaveClientConfig(db, tr)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateProtocolClient)

	// disabled second client is fine
	tr.Enabled = false
	require.NoError(t, SaveClientConfig(db, tr))

	// a usenet client is a different family and may coexist
	sab := &DownloadClientConfig{Name: "sab", Type: ClientSABnzbd, Enabled: true, URL: "http://sab:8085"}
	require.NoError(t, SaveClientConfig(db, sab))

	got, err := GetEnabledClientConfig(db, ProtocolTorrent)
	require.NoError(t, err)
	assert.Equal(t, "qb", got.Name)

	got, err = GetEnabledClientConfig(db, ProtocolUsenet)
	require.NoError(t, err)
	assert.Equal(t, "sab", got.Name)
}

func TestSaveClientConfig_Validation(t *testing.T) {
	db, err := SqliteForTest()
	require.NoError(t, err)

	err = SaveClientConfig(db, &DownloadClientConfig{Name: "nourl", Type: ClientQBittorrent})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url is required")

	err = SaveClientConfig(db, &DownloadClientConfig{
		Name:               "halfmapped",
		Type:               ClientQBittorrent,
		URL:                "http://qb:8080",
		PathMappingEnabled: true,
		RemotePathPrefix:   "/remote/downloads",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path mapping")
}

func TestSaveClientConfig_UpdateKeepsOwnSlot(t *testing.T) {
	db, err := SqliteForTest()
	require.NoError(t, err)

	qb := &DownloadClientConfig{Name: "qb", Type: ClientQBittorrent, Enabled: true, URL: "http://qb:8080"}
	require.NoError(t, SaveClientConfig(db, qb))

	// re-saving the same enabled config must not collide with itself
	qb.Category = "audiobooks"
	require.NoError(t, SaveClientConfig(db, qb))
}
