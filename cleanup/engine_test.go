package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/shelfarr-project/shelfarr/downloaders"
	"github.com/shelfarr-project/shelfarr/internal/config"
	"github.com/shelfarr-project/shelfarr/internal/db"
)

type fakeClient struct {
	mu sync.Mutex
	// seedingTime per handle; a missing handle reports not found
	seeding map[string]time.Duration
	deleted []string
	getErr  error
}

func (f *fakeClient) Name() string                             { return "fake" }
func (f *fakeClient) Protocol() db.Protocol                    { return db.ProtocolTorrent }
func (f *fakeClient) TestConnection(ctx context.Context) error { return nil }
func (f *fakeClient) Categories(ctx context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeClient) Add(ctx context.Context, url, category string) (string, error) {
	return "", nil
}

func (f *fakeClient) Get(ctx context.Context, id string) (*downloaders.DownloadInfo, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.seeding[id]
	if !ok {
		return nil, nil
	}
	return &downloaders.DownloadInfo{Name: id, SeedingTime: st, Completed: true}, nil
}

func (f *fakeClient) Delete(ctx context.Context, id string, deleteFiles bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	delete(f.seeding, id)
	return nil
}

func newEngine(t *testing.T, indexers map[string]config.Indexer) (*Engine, *gorm.DB, *fakeClient) {
	t.Helper()
	database, err := db.SqliteForTest()
	require.NoError(t, err)

	require.NoError(t, db.SaveClientConfig(database, &db.DownloadClientConfig{
		Name: "fake", Type: db.ClientQBittorrent, Enabled: true, URL: "http://localhost:8080",
	}))

	client := &fakeClient{seeding: make(map[string]time.Duration)}
	router := downloaders.NewRouterWithFactory(database, func(cfg *db.DownloadClientConfig) (downloaders.IDownloadClient, error) {
		return client, nil
	})

	cfg := &config.Config{
		Indexers: indexers,
		Cleanup:  config.Cleanup{BatchSize: 50},
	}
	return New(database, cfg, router), database, client
}

func seedRequest(t *testing.T, database *gorm.DB, status db.RequestStatus, hash, indexer string) *db.Request {
	t.Helper()
	r := &db.Request{Title: "Dune", Type: db.RequestAudiobook, Status: status}
	require.NoError(t, db.SaveRequest(database, r))
	h := &db.DownloadHistory{
		RequestID:        r.ID,
		DownloadClient:   "fake",
		DownloadClientID: hash,
		Protocol:         string(db.ProtocolTorrent),
		IndexerName:      indexer,
		Status:           db.DownloadCompleted,
	}
	require.NoError(t, db.MarkSelected(database, h))
	return r
}

func TestSeedRequirementMetRemoves(t *testing.T) {
	e, database, client := newEngine(t, map[string]config.Indexer{
		"IndexerA": {SeedingTime: config.Minutes(1)},
	})
	seedRequest(t, database, db.StatusAvailable, "hash-a", "IndexerA")
	client.seeding["hash-a"] = 120 * time.Second

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TorrentsRemoved)
	assert.Zero(t, stats.TorrentsKeptSeeding)
	assert.Equal(t, []string{"hash-a"}, client.deleted)
}

func TestSeedRequirementNotMetKeeps(t *testing.T) {
	e, database, client := newEngine(t, map[string]config.Indexer{
		"IndexerA": {SeedingTime: config.Minutes(10)},
	})
	seedRequest(t, database, db.StatusAvailable, "hash-a", "IndexerA")
	client.seeding["hash-a"] = 60 * time.Second

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TorrentsRemoved)
	assert.Equal(t, 1, stats.TorrentsKeptSeeding)
	assert.Empty(t, client.deleted)
}

func TestUnlimitedNeverReclaims(t *testing.T) {
	e, database, client := newEngine(t, map[string]config.Indexer{
		"IndexerA": {SeedingTime: config.Unlimited()},
	})
	seedRequest(t, database, db.StatusAvailable, "hash-a", "IndexerA")
	// unconfigured indexer defaults to unlimited too
	seedRequest(t, database, db.StatusAvailable, "hash-b", "UnknownIndexer")
	client.seeding["hash-a"] = 100 * time.Hour
	client.seeding["hash-b"] = 100 * time.Hour

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TorrentsRemoved)
	assert.Empty(t, client.deleted)
}

func TestUnlimitedSoftDeletedIsMetadataOnlyCleanup(t *testing.T) {
	e, database, client := newEngine(t, nil)
	r := seedRequest(t, database, db.StatusAvailable, "hash-a", "UnknownIndexer")
	client.seeding["hash-a"] = 100 * time.Hour
	require.NoError(t, db.SoftDeleteRequest(database, r))

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RequestsHardDeleted)
	assert.Zero(t, stats.TorrentsRemoved)
	assert.Empty(t, client.deleted, "the physical download is left alone")

	_, err = db.GetRequest(database, r.ID)
	assert.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

// the reference-counting invariant: a handle shared by two requests
// survives the first soft delete and is reclaimed exactly once after the
// second.
func TestSharedHandleReferenceCounting(t *testing.T) {
	e, database, client := newEngine(t, map[string]config.Indexer{
		"IndexerA": {SeedingTime: config.Minutes(1)},
	})
	r1 := seedRequest(t, database, db.StatusAvailable, "hash-shared", "IndexerA")
	// the second request still downloads from the shared handle
	r2 := seedRequest(t, database, db.StatusDownloading, "hash-shared", "IndexerA")
	client.seeding["hash-shared"] = time.Hour

	require.NoError(t, db.SoftDeleteRequest(database, r1))
	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TorrentsRemoved, "r2 still references the download")
	assert.Equal(t, 1, stats.RequestsHardDeleted)
	assert.Empty(t, client.deleted)

	r2Stored, err := db.GetRequest(database, r2.ID)
	require.NoError(t, err)
	require.NoError(t, db.SoftDeleteRequest(database, r2Stored))

	stats, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TorrentsRemoved)
	assert.Equal(t, []string{"hash-shared"}, client.deleted, "deleted exactly once")
	assert.Equal(t, 1, stats.RequestsHardDeleted)
}

// two soft-deleted requests sharing one handle in the same batch: the
// per-run reclaimed set keeps the delete single.
func TestSharedHandleSameBatch(t *testing.T) {
	e, database, client := newEngine(t, map[string]config.Indexer{
		"IndexerA": {SeedingTime: config.Minutes(1)},
	})
	r1 := seedRequest(t, database, db.StatusAvailable, "hash-shared", "IndexerA")
	r2 := seedRequest(t, database, db.StatusAvailable, "hash-shared", "IndexerA")
	client.seeding["hash-shared"] = time.Hour
	require.NoError(t, db.SoftDeleteRequest(database, r1))
	require.NoError(t, db.SoftDeleteRequest(database, r2))

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"hash-shared"}, client.deleted)
	assert.Equal(t, 1, stats.TorrentsRemoved)
	assert.Equal(t, 2, stats.RequestsHardDeleted)
}

func TestUsenetSoftDeletedReclaimedImmediately(t *testing.T) {
	e, database, client := newEngine(t, nil)

	r := &db.Request{Title: "Dune", Type: db.RequestEbook, Status: db.StatusDownloaded}
	require.NoError(t, db.SaveRequest(database, r))
	h := &db.DownloadHistory{
		RequestID: r.ID, DownloadClient: "fake", DownloadClientID: "nzo_1",
		Protocol: string(db.ProtocolUsenet), IndexerName: "NZBIndex", Status: db.DownloadCompleted,
	}
	require.NoError(t, db.MarkSelected(database, h))

	// still live: usenet downloads are never touched while the request exists
	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, client.deleted)

	stored, err := db.GetRequest(database, r.ID)
	require.NoError(t, err)
	require.NoError(t, db.SoftDeleteRequest(database, stored))

	stats, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"nzo_1"}, client.deleted, "no seed-time wait for usenet")
	assert.Equal(t, 1, stats.RequestsHardDeleted)
}

func TestHandleNotFoundIsSuccess(t *testing.T) {
	e, database, client := newEngine(t, map[string]config.Indexer{
		"IndexerA": {SeedingTime: config.Minutes(1)},
	})
	r := seedRequest(t, database, db.StatusAvailable, "hash-gone", "IndexerA")
	require.NoError(t, db.SoftDeleteRequest(database, r))
	// the client never heard of hash-gone

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Errors)
	assert.Equal(t, 1, stats.RequestsHardDeleted)
	assert.Equal(t, []string{"hash-gone"}, client.deleted, "idempotent delete against an absent handle")
}

func TestPerItemFailureDoesNotAbortBatch(t *testing.T) {
	e, database, client := newEngine(t, map[string]config.Indexer{
		"IndexerA": {SeedingTime: config.Minutes(1)},
	})

	broken := seedRequest(t, database, db.StatusAvailable, "hash-broken", "IndexerA")
	require.NoError(t, db.SoftDeleteRequest(database, broken))
	fine := seedRequest(t, database, db.StatusAvailable, "hash-fine", "UnknownIndexer")
	require.NoError(t, db.SoftDeleteRequest(database, fine))

	// first candidate's history row is older, so it is processed first and
	// its client error must not stop the second
	client.getErr = errors.New("client unreachable")

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.RequestsHardDeleted, "unlimited candidate still processed")
}

func TestDownloadedEbookIsTerminalCandidate(t *testing.T) {
	e, database, client := newEngine(t, map[string]config.Indexer{
		"IndexerA": {SeedingTime: config.Minutes(1)},
	})

	r := &db.Request{Title: "Dune", Type: db.RequestEbook, Status: db.StatusDownloaded}
	require.NoError(t, db.SaveRequest(database, r))
	h := &db.DownloadHistory{
		RequestID: r.ID, DownloadClient: "fake", DownloadClientID: "hash-e",
		Protocol: string(db.ProtocolTorrent), IndexerName: "IndexerA", Status: db.DownloadCompleted,
	}
	require.NoError(t, db.MarkSelected(database, h))
	client.seeding["hash-e"] = time.Hour

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TorrentsRemoved, "downloaded is terminal for ebooks")

	// a downloading audiobook is never a candidate
	seedRequest(t, database, db.StatusDownloading, "hash-live", "IndexerA")
	client.seeding["hash-live"] = time.Hour
	stats, err = e.Run(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, client.deleted, "hash-live")
}

func TestBatchSizeBound(t *testing.T) {
	e, database, _ := newEngine(t, nil)
	e.cfg.Cleanup.BatchSize = 2

	for i := 0; i < 5; i++ {
		r := seedRequest(t, database, db.StatusAvailable, "h", "UnknownIndexer")
		require.NoError(t, db.SoftDeleteRequest(database, r))
	}

	stats, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.RequestsHardDeleted, "one run stays within the batch cap")
}
