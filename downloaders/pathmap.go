package downloaders

import (
	"strings"

	"github.com/shelfarr-project/shelfarr/internal/db"
)

// PathMap translates paths between a remote client's filesystem namespace
// (e.g. a seedbox) and the local one by prefix substitution.
type PathMap struct {
	Enabled      bool
	RemotePrefix string
	LocalPrefix  string
}

func pathMapFromConfig(cfg *db.DownloadClientConfig) PathMap {
	return PathMap{
		Enabled:      cfg.PathMappingEnabled,
		RemotePrefix: cfg.RemotePathPrefix,
		LocalPrefix:  cfg.LocalPathPrefix,
	}
}

// ToLocal converts a client-reported path into the local namespace. A path
// that does not start with the remote prefix is returned unchanged with a
// warning; an unmapped path must never block processing.
func (m PathMap) ToLocal(path string) string {
	if !m.Enabled || path == "" {
		return path
	}
	if !strings.HasPrefix(path, m.RemotePrefix) {
		logger.Warn().
			Str("path", path).
			Str("remote_prefix", m.RemotePrefix).
			Msg("reported path does not match remote prefix, returning unchanged")
		return path
	}
	return m.LocalPrefix + strings.TrimPrefix(path, m.RemotePrefix)
}

// ToRemote converts a local path into the client's namespace, for save paths
// handed to a remote client.
func (m PathMap) ToRemote(path string) string {
	if !m.Enabled || path == "" {
		return path
	}
	if !strings.HasPrefix(path, m.LocalPrefix) {
		logger.Warn().
			Str("path", path).
			Str("local_prefix", m.LocalPrefix).
			Msg("local path does not match local prefix, returning unchanged")
		return path
	}
	return m.RemotePrefix + strings.TrimPrefix(path, m.LocalPrefix)
}
