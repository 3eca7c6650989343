package requests

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/shelfarr-project/shelfarr/downloaders"
	"github.com/shelfarr-project/shelfarr/indexers"
	"github.com/shelfarr-project/shelfarr/internal/config"
	"github.com/shelfarr-project/shelfarr/internal/db"
	"github.com/shelfarr-project/shelfarr/internal/notify"
	"github.com/shelfarr-project/shelfarr/library"
	"github.com/shelfarr-project/shelfarr/organizer"
	"github.com/shelfarr-project/shelfarr/queue"
	"github.com/shelfarr-project/shelfarr/ranking"
)

var (
	ErrEmptyTitle        = errors.New("request title must not be empty")
	ErrInvalidType       = errors.New("request type must be audiobook or ebook")
	ErrAlreadyInProgress = errors.New("a job for this request is already running")
)

// Service wires the request lifecycle together. Everything it needs is
// injected once at process start; nothing here reaches for globals.
type Service struct {
	database  *gorm.DB
	cfg       *config.Config
	queue     *queue.Queue
	router    *downloaders.Router
	searcher  indexers.ISearcher
	organizer *organizer.Organizer
	// libraryClient is nil when no media-library backend is configured;
	// audiobooks then stay in downloaded.
	libraryClient *library.Client
	notifier      notify.INotifier
}

func NewService(
	database *gorm.DB,
	cfg *config.Config,
	q *queue.Queue,
	router *downloaders.Router,
	searcher indexers.ISearcher,
	org *organizer.Organizer,
	libraryClient *library.Client,
	notifier notify.INotifier,
) *Service {
	return &Service{
		database:      database,
		cfg:           cfg,
		queue:         q,
		router:        router,
		searcher:      searcher,
		organizer:     org,
		libraryClient: libraryClient,
		notifier:      notifier,
	}
}

// CreateParams is one inbound request submission.
type CreateParams struct {
	UserID   string
	UserName string
	Type     db.RequestType
	Title    string
	Author   string
	// ParentRequestID marks an ebook sidecar of an audiobook request.
	ParentRequestID *uint
	// DeferSearch parks the request in awaiting_search instead of searching
	// immediately; the RSS poller or a manual action wakes it.
	DeferSearch bool
}

// Create validates and stores a new request, then routes it into the
// pipeline per the approval policy.
func (s *Service) Create(ctx context.Context, p CreateParams) (*db.Request, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, ErrEmptyTitle
	}
	if p.Type != db.RequestAudiobook && p.Type != db.RequestEbook {
		return nil, ErrInvalidType
	}

	r := &db.Request{
		UserID:          p.UserID,
		UserName:        p.UserName,
		Type:            p.Type,
		Title:           strings.TrimSpace(p.Title),
		Author:          strings.TrimSpace(p.Author),
		ParentRequestID: p.ParentRequestID,
		Status:          db.StatusPending,
	}
	switch {
	case s.cfg.Fulfillment.RequireApproval:
		r.Status = db.StatusAwaitingApproval
	case p.DeferSearch:
		r.Status = db.StatusAwaitingSearch
	}

	if err := db.SaveRequest(s.database, r); err != nil {
		return nil, err
	}
	logger.Info().Uint("request", r.ID).Str("title", r.Title).Str("status", string(r.Status)).Msg("request created")

	if r.Status == db.StatusPending {
		s.enqueueSearch(r)
	}
	return r, nil
}

// Approve releases an awaiting_approval request into the pipeline.
func (s *Service) Approve(ctx context.Context, id uint) error {
	r, err := db.GetRequest(s.database, id)
	if err != nil {
		return err
	}
	if err := transition(s.database, r, db.StatusPending); err != nil {
		return err
	}
	s.notifyAsync(notify.EventRequestApproved, r, "")
	s.enqueueSearch(r)
	return nil
}

// Deny is a terminal admin rejection.
func (s *Service) Deny(ctx context.Context, id uint, reason string) error {
	r, err := db.GetRequest(s.database, id)
	if err != nil {
		return err
	}
	r.ErrorMessage = reason
	return transition(s.database, r, db.StatusDenied)
}

// Cancel terminates a request. In-flight jobs notice the status on their
// next checkpoint and abort.
func (s *Service) Cancel(ctx context.Context, id uint) error {
	r, err := db.GetRequest(s.database, id)
	if err != nil {
		return err
	}
	return transition(s.database, r, db.StatusCancelled)
}

// SoftDelete marks the request deleted. The cleanup engine hard-deletes it
// once the underlying download is safe to reclaim.
func (s *Service) SoftDelete(ctx context.Context, id uint) error {
	r, err := db.GetRequest(s.database, id)
	if err != nil {
		return err
	}
	if r.SoftDeleted() {
		return nil
	}
	return db.SoftDeleteRequest(s.database, r)
}

// RetrySearch puts a failed request back into the pipeline and re-runs the
// search. Also usable on a parked awaiting_search request.
func (s *Service) RetrySearch(ctx context.Context, id uint) error {
	r, err := db.GetRequest(s.database, id)
	if err != nil {
		return err
	}
	if s.queue.HasJobForRequest(r.ID, queue.JobSearch, queue.JobDownload, queue.JobOrganize) {
		return ErrAlreadyInProgress
	}
	if r.Status != db.StatusPending {
		if err := transition(s.database, r, db.StatusPending); err != nil {
			return err
		}
	}
	r.SearchAttempts = 0
	r.ErrorMessage = ""
	if err := db.SaveRequest(s.database, r); err != nil {
		return err
	}
	s.enqueueSearch(r)
	return nil
}

// SearchCandidates runs a synchronous search for interactive selection and
// returns the ranked hits without touching the request.
func (s *Service) SearchCandidates(ctx context.Context, id uint) ([]ranking.RankedTorrent, error) {
	r, err := db.GetRequest(s.database, id)
	if err != nil {
		return nil, err
	}
	results, err := s.searcher.Search(ctx, searchQuery(r), categoriesFor(r.Type))
	if err != nil {
		return nil, err
	}
	return s.rank(r, results), nil
}

// SelectCandidate starts the download for a user-chosen candidate.
func (s *Service) SelectCandidate(ctx context.Context, id uint, c indexers.TorrentResult) error {
	r, err := db.GetRequest(s.database, id)
	if err != nil {
		return err
	}
	return s.startDownload(ctx, r, c)
}

// startDownload snapshots the candidate, records the download attempt,
// moves the request to downloading, and enqueues the download job.
func (s *Service) startDownload(ctx context.Context, r *db.Request, c indexers.TorrentResult) error {
	if s.queue.HasJobForRequest(r.ID, queue.JobDownload) {
		return ErrAlreadyInProgress
	}
	if !CanTransition(r.Status, db.StatusDownloading) {
		return &ErrIllegalTransition{From: r.Status, To: db.StatusDownloading}
	}

	r.SelectedTorrent = &db.SelectedTorrent{
		Title:       c.Title,
		IndexerName: c.IndexerName,
		Protocol:    string(c.Protocol),
		DownloadURL: c.DownloadURL,
		SizeBytes:   c.SizeBytes,
		Seeders:     c.Seeders,
		Flags:       c.Flags,
	}

	h := &db.DownloadHistory{
		RequestID:        r.ID,
		Protocol:         string(c.Protocol),
		IndexerName:      c.IndexerName,
		Title:            c.Title,
		TorrentSizeBytes: c.SizeBytes,
		Status:           db.DownloadActive,
		StartedAt:        time.Now(),
	}
	if err := db.MarkSelected(s.database, h); err != nil {
		return fmt.Errorf("record download attempt: %w", err)
	}

	if err := transition(s.database, r, db.StatusDownloading); err != nil {
		return err
	}
	s.notifyAsync(notify.EventRequestDownloading, r, c.Title)
	s.queue.Enqueue(queue.JobDownload, nil, r.ID)
	return nil
}

// enqueueSearch enqueues a search job unless one is already queued or
// running for the request.
func (s *Service) enqueueSearch(r *db.Request) {
	if s.queue.HasJobForRequest(r.ID, queue.JobSearch) {
		return
	}
	s.queue.Enqueue(queue.JobSearch, nil, r.ID)
}

// notifyAsync dispatches a milestone notification through the queue. Best
// effort: a full queue or failing channel never blocks a transition.
func (s *Service) notifyAsync(event notify.Event, r *db.Request, message string) {
	s.queue.Enqueue(queue.JobSendNotification, notify.Notification{
		Event:     event,
		RequestID: r.ID,
		Title:     r.Title,
		Author:    r.Author,
		UserName:  r.UserName,
		Message:   message,
	}, r.ID)
}

func searchQuery(r *db.Request) string {
	if r.Author == "" {
		return r.Title
	}
	return r.Title + " " + r.Author
}

func categoriesFor(t db.RequestType) []int {
	if t == db.RequestEbook {
		return []int{indexers.CategoryBooksEbook}
	}
	return []int{indexers.CategoryAudioAudiobook}
}

func (s *Service) rank(r *db.Request, results []indexers.TorrentResult) []ranking.RankedTorrent {
	return ranking.Rank(ranking.Query{
		Title:  r.Title,
		Author: r.Author,
	}, results, s.cfg.IndexerPriorities(), s.cfg.FlagBonuses)
}
