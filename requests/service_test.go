package requests

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/shelfarr-project/shelfarr/downloaders"
	"github.com/shelfarr-project/shelfarr/indexers"
	"github.com/shelfarr-project/shelfarr/internal/config"
	"github.com/shelfarr-project/shelfarr/internal/db"
	"github.com/shelfarr-project/shelfarr/internal/notify"
	"github.com/shelfarr-project/shelfarr/library"
	"github.com/shelfarr-project/shelfarr/organizer"
	"github.com/shelfarr-project/shelfarr/queue"
)

type fakeSearcher struct {
	results []indexers.TorrentResult
	err     error
	calls   int
}

func (f *fakeSearcher) Search(ctx context.Context, query string, categories []int) ([]indexers.TorrentResult, error) {
	f.calls++
	return f.results, f.err
}

type fakeClient struct {
	addFn func(ctx context.Context, url, category string) (string, error)
	getFn func(ctx context.Context, id string) (*downloaders.DownloadInfo, error)

	mu      sync.Mutex
	added   []string
	deleted []string
}

func (f *fakeClient) Name() string                             { return "fake" }
func (f *fakeClient) Protocol() db.Protocol                    { return db.ProtocolTorrent }
func (f *fakeClient) TestConnection(ctx context.Context) error { return nil }
func (f *fakeClient) Categories(ctx context.Context) ([]string, error) {
	return []string{"audiobooks"}, nil
}

func (f *fakeClient) Add(ctx context.Context, url, category string) (string, error) {
	f.mu.Lock()
	f.added = append(f.added, url)
	f.mu.Unlock()
	if f.addFn != nil {
		return f.addFn(ctx, url, category)
	}
	return "hash-1", nil
}

func (f *fakeClient) Get(ctx context.Context, id string) (*downloaders.DownloadInfo, error) {
	if f.getFn != nil {
		return f.getFn(ctx, id)
	}
	return nil, nil
}

func (f *fakeClient) Delete(ctx context.Context, id string, deleteFiles bool) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	return nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	err  error
}

func (r *recordingNotifier) Send(ctx context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) count(event notify.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Event == event {
			n++
		}
	}
	return n
}

type fixture struct {
	service  *Service
	database *gorm.DB
	queue    *queue.Queue
	searcher *fakeSearcher
	client   *fakeClient
	notifier *recordingNotifier
	cfg      *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.SqliteForTest()
	require.NoError(t, err)

	cfg := &config.Config{
		Fulfillment: config.Fulfillment{
			MaxSearchAttempts:   3,
			MaxDownloadAttempts: 3,
			MaxImportRetries:    3,
		},
	}

	require.NoError(t, db.SaveClientConfig(database, &db.DownloadClientConfig{
		Name:    "fake",
		Type:    db.ClientQBittorrent,
		Enabled: true,
		URL:     "http://localhost:8080",
	}))

	client := &fakeClient{}
	router := downloaders.NewRouterWithFactory(database, func(cfg *db.DownloadClientConfig) (downloaders.IDownloadClient, error) {
		return client, nil
	})

	f := &fixture{
		database: database,
		queue:    queue.New(),
		searcher: &fakeSearcher{},
		client:   client,
		notifier: &recordingNotifier{},
		cfg:      cfg,
	}
	f.service = NewService(database, cfg, f.queue, router, f.searcher, organizer.New(t.TempDir()), nil, f.notifier)
	f.service.RegisterJobs()
	return f
}

func (f *fixture) withLibrary(t *testing.T, c *library.Client) *fixture {
	t.Helper()
	f.service.libraryClient = c
	return f
}

func TestCreateAutoApprove(t *testing.T) {
	f := newFixture(t)

	r, err := f.service.Create(context.Background(), CreateParams{
		UserID: "u1", UserName: "sam", Type: db.RequestAudiobook,
		Title: "Project Hail Mary", Author: "Andy Weir",
	})
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, r.Status)
	assert.True(t, f.queue.HasJobForRequest(r.ID, queue.JobSearch), "auto-approved request gets a search job")
}

func TestCreateRequireApproval(t *testing.T) {
	f := newFixture(t)
	f.cfg.Fulfillment.RequireApproval = true

	r, err := f.service.Create(context.Background(), CreateParams{
		UserID: "u1", Type: db.RequestAudiobook, Title: "Dune",
	})
	require.NoError(t, err)
	assert.Equal(t, db.StatusAwaitingApproval, r.Status)
	assert.False(t, f.queue.HasJobForRequest(r.ID))
}

func TestCreateDeferSearch(t *testing.T) {
	f := newFixture(t)

	r, err := f.service.Create(context.Background(), CreateParams{
		UserID: "u1", Type: db.RequestEbook, Title: "Dune", DeferSearch: true,
	})
	require.NoError(t, err)
	assert.Equal(t, db.StatusAwaitingSearch, r.Status)
	assert.False(t, f.queue.HasJobForRequest(r.ID))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Create(context.Background(), CreateParams{Type: db.RequestAudiobook, Title: "   "})
	assert.ErrorIs(t, err, ErrEmptyTitle)

	_, err = f.service.Create(context.Background(), CreateParams{Type: "magazine", Title: "Dune"})
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestApprove(t *testing.T) {
	f := newFixture(t)
	f.cfg.Fulfillment.RequireApproval = true

	r, err := f.service.Create(context.Background(), CreateParams{UserID: "u1", Type: db.RequestAudiobook, Title: "Dune"})
	require.NoError(t, err)

	require.NoError(t, f.service.Approve(context.Background(), r.ID))

	stored, err := db.GetRequest(f.database, r.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, stored.Status)
	assert.True(t, f.queue.HasJobForRequest(r.ID, queue.JobSearch))
	assert.True(t, f.queue.HasJobForRequest(r.ID, queue.JobSendNotification), "approval milestone is announced")
}

func TestDenyIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.cfg.Fulfillment.RequireApproval = true

	r, err := f.service.Create(context.Background(), CreateParams{UserID: "u1", Type: db.RequestAudiobook, Title: "Dune"})
	require.NoError(t, err)

	require.NoError(t, f.service.Deny(context.Background(), r.ID, "duplicate request"))

	stored, _ := db.GetRequest(f.database, r.ID)
	assert.Equal(t, db.StatusDenied, stored.Status)
	assert.Equal(t, "duplicate request", stored.ErrorMessage)

	err = f.service.Approve(context.Background(), r.ID)
	var illegal *ErrIllegalTransition
	assert.True(t, errors.As(err, &illegal), "denied requests cannot be approved")
}

func TestCancel(t *testing.T) {
	f := newFixture(t)

	r, err := f.service.Create(context.Background(), CreateParams{UserID: "u1", Type: db.RequestAudiobook, Title: "Dune"})
	require.NoError(t, err)

	require.NoError(t, f.service.Cancel(context.Background(), r.ID))
	stored, _ := db.GetRequest(f.database, r.ID)
	assert.Equal(t, db.StatusCancelled, stored.Status)

	err = f.service.Cancel(context.Background(), r.ID)
	assert.Error(t, err, "cancelled is terminal")
}

func TestSoftDelete(t *testing.T) {
	f := newFixture(t)

	r, err := f.service.Create(context.Background(), CreateParams{UserID: "u1", Type: db.RequestAudiobook, Title: "Dune"})
	require.NoError(t, err)

	require.NoError(t, f.service.SoftDelete(context.Background(), r.ID))
	require.NoError(t, f.service.SoftDelete(context.Background(), r.ID), "repeated soft delete is a no-op")

	stored, err := db.GetRequest(f.database, r.ID)
	require.NoError(t, err)
	assert.True(t, stored.SoftDeleted())
}

func TestSelectCandidate(t *testing.T) {
	f := newFixture(t)

	r, err := f.service.Create(context.Background(), CreateParams{UserID: "u1", Type: db.RequestAudiobook, Title: "Dune"})
	require.NoError(t, err)

	candidate := indexers.TorrentResult{
		Title: "Dune [M4B]", IndexerName: "IndexerA", Protocol: indexers.ProtocolTorrent,
		DownloadURL: "http://example.com/dune.torrent", SizeBytes: 1 << 30, Seeders: 10,
	}
	require.NoError(t, f.service.SelectCandidate(context.Background(), r.ID, candidate))

	stored, err := db.GetRequest(f.database, r.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusDownloading, stored.Status)
	require.NotNil(t, stored.SelectedTorrent)
	assert.Equal(t, "Dune [M4B]", stored.SelectedTorrent.Title)

	h, err := db.GetSelectedHistory(f.database, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "IndexerA", h.IndexerName)
	assert.True(t, f.queue.HasJobForRequest(r.ID, queue.JobDownload))

	err = f.service.SelectCandidate(context.Background(), r.ID, candidate)
	assert.ErrorIs(t, err, ErrAlreadyInProgress)
}

func TestSelectCandidateRejectedForFinishedRequest(t *testing.T) {
	f := newFixture(t)

	r := &db.Request{Title: "Dune", Type: db.RequestAudiobook, Status: db.StatusAvailable}
	require.NoError(t, db.SaveRequest(f.database, r))

	err := f.service.SelectCandidate(context.Background(), r.ID, indexers.TorrentResult{Title: "Dune"})
	var illegal *ErrIllegalTransition
	require.True(t, errors.As(err, &illegal))
	assert.Equal(t, db.StatusAvailable, illegal.From)
	assert.Equal(t, db.StatusDownloading, illegal.To)
}

func TestRetrySearch(t *testing.T) {
	f := newFixture(t)

	r := &db.Request{Title: "Dune", Type: db.RequestAudiobook, Status: db.StatusFailed, SearchAttempts: 3, ErrorMessage: "no results found"}
	require.NoError(t, db.SaveRequest(f.database, r))

	require.NoError(t, f.service.RetrySearch(context.Background(), r.ID))

	stored, err := db.GetRequest(f.database, r.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, stored.Status)
	assert.Zero(t, stored.SearchAttempts)
	assert.Empty(t, stored.ErrorMessage)
	assert.True(t, f.queue.HasJobForRequest(r.ID, queue.JobSearch))

	err = f.service.RetrySearch(context.Background(), r.ID)
	assert.ErrorIs(t, err, ErrAlreadyInProgress)
}

func TestSearchCandidates(t *testing.T) {
	f := newFixture(t)
	f.searcher.results = []indexers.TorrentResult{
		{Title: "Dune MP3", Protocol: indexers.ProtocolTorrent, Seeders: 5},
		{Title: "Dune M4B", Protocol: indexers.ProtocolTorrent, Seeders: 5},
	}

	r, err := f.service.Create(context.Background(), CreateParams{UserID: "u1", Type: db.RequestAudiobook, Title: "Dune", DeferSearch: true})
	require.NoError(t, err)

	ranked, err := f.service.SearchCandidates(context.Background(), r.ID)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "Dune M4B", ranked[0].Title, "candidates come back ranked")
}
