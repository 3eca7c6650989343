package downloaders

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shelfarr-project/shelfarr/internal/db"
	"gorm.io/gorm"
)

var logger = log.With().Str("component", "downloaders").Logger()

var ErrNoClientForProtocol = fmt.Errorf("no enabled download client for protocol")

// Router resolves a protocol family to the single enabled client for that
// family. Adapters are built once and cached; Rebuild drops the cache after
// a configuration change.
type Router struct {
	db      *gorm.DB
	factory func(cfg *db.DownloadClientConfig) (IDownloadClient, error)

	mu    sync.Mutex
	cache map[db.Protocol]IDownloadClient
}

func NewRouter(gdb *gorm.DB) *Router {
	return NewRouterWithFactory(gdb, New)
}

// NewRouterWithFactory swaps the adapter constructor, letting callers route
// to stub clients in tests.
func NewRouterWithFactory(gdb *gorm.DB, factory func(cfg *db.DownloadClientConfig) (IDownloadClient, error)) *Router {
	return &Router{
		db:      gdb,
		factory: factory,
		cache:   make(map[db.Protocol]IDownloadClient),
	}
}

// ForProtocol returns the enabled client for a family, or
// ErrNoClientForProtocol when none is configured.
func (r *Router) ForProtocol(family db.Protocol) (IDownloadClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.cache[family]; ok {
		return c, nil
	}

	cfg, err := db.GetEnabledClientConfig(r.db, family)
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNoClientForProtocol, family)
	}
	if err != nil {
		return nil, err
	}

	client, err := r.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s client %q: %w", cfg.Type, cfg.Name, err)
	}

	r.cache[family] = client
	return client, nil
}

// ForName resolves the client a stored download history row was created
// with. The cleanup engine uses this so a handle is always deleted through
// the backend that owns it.
func (r *Router) ForName(clientName string) (IDownloadClient, error) {
	for _, family := range []db.Protocol{db.ProtocolTorrent, db.ProtocolUsenet} {
		c, err := r.ForProtocol(family)
		if err != nil {
			continue
		}
		if c.Name() == clientName {
			return c, nil
		}
	}
	return nil, fmt.Errorf("download client %q is not enabled", clientName)
}

// Rebuild invalidates cached adapters. Called explicitly when a client
// config is created, updated, or deleted.
func (r *Router) Rebuild() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[db.Protocol]IDownloadClient)
	logger.Info().Msg("download client cache invalidated")
}
