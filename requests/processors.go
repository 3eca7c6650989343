package requests

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"gorm.io/gorm"

	"github.com/shelfarr-project/shelfarr/downloaders"
	"github.com/shelfarr-project/shelfarr/internal/db"
	"github.com/shelfarr-project/shelfarr/internal/notify"
	"github.com/shelfarr-project/shelfarr/organizer"
	"github.com/shelfarr-project/shelfarr/queue"
)

// Outcome is the typed result of one processor step: either done, or failed
// with a classification that decides between re-queue and terminal state.
type Outcome struct {
	Err       error
	Retryable bool
}

func done() Outcome               { return Outcome{} }
func retryable(err error) Outcome { return Outcome{Err: err, Retryable: true} }
func terminal(err error) Outcome  { return Outcome{Err: err} }

func (o Outcome) OK() bool { return o.Err == nil }

// RegisterJobs binds every request-pipeline job type to its processor.
// Download jobs run narrow to respect external client limits; notification
// jobs run wide because they only talk to chat APIs.
func (s *Service) RegisterJobs() {
	f := s.cfg.Fulfillment

	s.queue.Register(queue.JobSearch, queue.TypeConfig{
		Concurrency: 2,
		Priority:    20,
		MaxAttempts: 3,
		Process:     s.processSearch,
	})
	s.queue.Register(queue.JobDownload, queue.TypeConfig{
		Concurrency: 2,
		Priority:    30,
		MaxAttempts: f.MaxDownloadAttempts,
		Process:     s.processDownload,
	})
	s.queue.Register(queue.JobOrganize, queue.TypeConfig{
		Concurrency: 1,
		Priority:    40,
		MaxAttempts: f.MaxImportRetries,
		Process:     s.processOrganize,
	})
	s.queue.Register(queue.JobSendNotification, queue.TypeConfig{
		Concurrency: 4,
		Priority:    10,
		MaxAttempts: 3,
		Process:     s.processNotification,
	})
	s.queue.Register(queue.JobCheckProgress, queue.TypeConfig{
		Concurrency: 1,
		Priority:    50,
		Process:     s.processCheckProgress,
	})
	s.queue.Register(queue.JobLibraryMatch, queue.TypeConfig{
		Concurrency: 1,
		Priority:    60,
		Process:     s.processLibraryMatch,
	})
	s.queue.Register(queue.JobReconcileRequests, queue.TypeConfig{
		Concurrency: 1,
		Priority:    70,
		Process:     s.processReconcile,
	})

	s.queue.OnFailure(s.onJobFailed)
}

// onJobFailed moves the linked request into failed when a pipeline job
// exhausts its attempts. Scheduled jobs have no linked request and only log.
func (s *Service) onJobFailed(job *queue.Job, err error) {
	if job.RequestID == 0 {
		return
	}
	switch job.Type {
	case queue.JobSearch, queue.JobDownload, queue.JobOrganize:
	default:
		return
	}

	r, gerr := db.GetRequest(s.database, job.RequestID)
	if gerr != nil {
		logger.Error().Err(gerr).Uint("request", job.RequestID).Msg("failed job for unknown request")
		return
	}
	if Terminal(r.Status) {
		return
	}
	r.ErrorMessage = err.Error()
	if terr := transition(s.database, r, db.StatusFailed); terr != nil {
		logger.Error().Err(terr).Uint("request", r.ID).Msg("could not fail request")
		return
	}
	s.notifyAsync(notify.EventRequestError, r, err.Error())
}

// checkpoint reloads the request and reports whether the job should still
// run. Cancel, deny, and delete are detected here, before external calls.
func (s *Service) checkpoint(requestID uint, want ...db.RequestStatus) (*db.Request, bool) {
	r, err := db.GetRequest(s.database, requestID)
	if err != nil {
		logger.Error().Err(err).Uint("request", requestID).Msg("checkpoint load failed")
		return nil, false
	}
	if r.SoftDeleted() {
		return r, false
	}
	for _, w := range want {
		if r.Status == w {
			return r, true
		}
	}
	logger.Debug().Uint("request", r.ID).Str("status", string(r.Status)).Msg("job skipped, request moved on")
	return r, false
}

func (s *Service) processSearch(ctx context.Context, job *queue.Job) error {
	r, ok := s.checkpoint(job.RequestID, db.StatusPending, db.StatusAwaitingSearch)
	if !ok {
		return nil
	}

	r.SearchAttempts++
	if err := db.SaveRequest(s.database, r); err != nil {
		return err
	}

	results, err := s.searcher.Search(ctx, searchQuery(r), categoriesFor(r.Type))
	if err != nil {
		return fmt.Errorf("search request %d: %w", r.ID, err)
	}

	if len(results) == 0 {
		if r.SearchAttempts >= s.cfg.Fulfillment.MaxSearchAttempts {
			r.ErrorMessage = "no results found"
			if err := transition(s.database, r, db.StatusFailed); err != nil {
				return err
			}
			s.notifyAsync(notify.EventRequestError, r, "no results found after "+searchQuery(r))
			return nil
		}
		// park it; the RSS poller or the next manual action wakes it
		logger.Info().Uint("request", r.ID).Int("attempt", r.SearchAttempts).Msg("no results, parked for later")
		if r.Status != db.StatusAwaitingSearch {
			return transition(s.database, r, db.StatusAwaitingSearch)
		}
		return nil
	}

	ranked := s.rank(r, results)
	top := ranked[0]
	logger.Info().
		Uint("request", r.ID).
		Str("title", top.Title).
		Float64("score", top.Score).
		Int("candidates", len(ranked)).
		Msg("auto-selected top candidate")

	if err := s.startDownload(ctx, r, top.TorrentResult); err != nil {
		if errors.Is(err, ErrAlreadyInProgress) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Service) processDownload(ctx context.Context, job *queue.Job) error {
	r, ok := s.checkpoint(job.RequestID, db.StatusDownloading)
	if !ok {
		return nil
	}
	if r.SelectedTorrent == nil {
		return fmt.Errorf("request %d downloading without a selected candidate", r.ID)
	}

	r.DownloadAttempts++
	if err := db.SaveRequest(s.database, r); err != nil {
		return err
	}

	family := db.Protocol(r.SelectedTorrent.Protocol)
	client, err := s.router.ForProtocol(family)
	if err != nil {
		return fmt.Errorf("request %d: %w", r.ID, err)
	}
	cfg, err := db.GetEnabledClientConfig(s.database, family)
	if err != nil {
		return fmt.Errorf("request %d: %w", r.ID, err)
	}

	clientID, err := client.Add(ctx, r.SelectedTorrent.DownloadURL, cfg.Category)
	if err != nil {
		r.ErrorMessage = err.Error()
		if serr := db.SaveRequest(s.database, r); serr != nil {
			logger.Error().Err(serr).Uint("request", r.ID).Msg("could not persist add failure")
		}
		return fmt.Errorf("add download for request %d: %w", r.ID, err)
	}

	h, err := db.GetSelectedHistory(s.database, r.ID)
	if err != nil {
		return fmt.Errorf("request %d history: %w", r.ID, err)
	}
	h.DownloadClient = client.Name()
	h.DownloadClientID = clientID
	h.Status = db.DownloadActive
	if err := db.SaveDownloadHistory(s.database, h); err != nil {
		return err
	}

	logger.Info().Uint("request", r.ID).Str("client", client.Name()).Str("handle", clientID).Msg("download added")
	return nil
}

// processCheckProgress copies client-reported progress onto downloading
// requests and hands completed downloads to the organize stage.
func (s *Service) processCheckProgress(ctx context.Context, job *queue.Job) error {
	rs, err := db.ListRequestsByStatus(s.database, db.StatusDownloading)
	if err != nil {
		return err
	}

	for i := range rs {
		r := &rs[i]
		if err := s.checkOneDownload(ctx, r); err != nil {
			logger.Error().Err(err).Uint("request", r.ID).Msg("progress check failed")
		}
	}
	return nil
}

func (s *Service) checkOneDownload(ctx context.Context, r *db.Request) error {
	h, err := db.GetSelectedHistory(s.database, r.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if h.DownloadClientID == "" {
		// the download job has not added it yet
		return nil
	}

	client, err := s.clientForHistory(h)
	if err != nil {
		return err
	}
	info, err := client.Get(ctx, h.DownloadClientID)
	if err != nil {
		return err
	}
	if info == nil {
		r.ErrorMessage = "download disappeared from client"
		h.Status = db.DownloadRemoved
		if serr := db.SaveDownloadHistory(s.database, h); serr != nil {
			logger.Error().Err(serr).Uint("request", r.ID).Msg("could not mark history removed")
		}
		if err := transition(s.database, r, db.StatusFailed); err != nil {
			return err
		}
		s.notifyAsync(notify.EventRequestError, r, r.ErrorMessage)
		return nil
	}

	r.Progress = int(info.Progress * 100)
	if !info.Completed {
		return db.SaveRequest(s.database, r)
	}

	now := time.Now()
	h.Status = db.DownloadCompleted
	h.CompletedAt = &now
	if err := db.SaveDownloadHistory(s.database, h); err != nil {
		return err
	}
	if err := transition(s.database, r, db.StatusAwaitingImport); err != nil {
		return err
	}
	if !s.queue.HasJobForRequest(r.ID, queue.JobOrganize) {
		s.queue.Enqueue(queue.JobOrganize, nil, r.ID)
	}
	return nil
}

func (s *Service) processOrganize(ctx context.Context, job *queue.Job) error {
	r, ok := s.checkpoint(job.RequestID, db.StatusAwaitingImport)
	if !ok {
		return nil
	}

	out := s.organizeOnce(ctx, r)
	if out.OK() {
		now := time.Now()
		r.Progress = 100
		r.CompletedAt = &now
		r.ErrorMessage = ""
		if err := transition(s.database, r, db.StatusDownloaded); err != nil {
			return err
		}
		s.notifyAsync(notify.EventRequestDownloaded, r, "")
		return nil
	}

	r.ErrorMessage = out.Err.Error()
	if !out.Retryable {
		if err := transition(s.database, r, db.StatusFailed); err != nil {
			return err
		}
		s.notifyAsync(notify.EventRequestError, r, out.Err.Error())
		logger.Error().Err(out.Err).Uint("request", r.ID).Msg("organize failed terminally")
		return nil
	}

	r.ImportAttempts++
	if r.ImportAttempts >= s.cfg.Fulfillment.MaxImportRetries {
		if err := transition(s.database, r, db.StatusWarn); err != nil {
			return err
		}
		s.notifyAsync(notify.EventRequestError, r, fmt.Sprintf("import failed after %d attempts: %s", r.ImportAttempts, out.Err))
		logger.Warn().Err(out.Err).Uint("request", r.ID).Msg("import retries exhausted")
		return nil
	}
	if err := db.SaveRequest(s.database, r); err != nil {
		return err
	}
	return fmt.Errorf("organize request %d (attempt %d): %w", r.ID, r.ImportAttempts, out.Err)
}

// organizeOnce resolves the download's local path and runs one organize
// attempt, classifying the failure for the caller.
func (s *Service) organizeOnce(ctx context.Context, r *db.Request) Outcome {
	h, err := db.GetSelectedHistory(s.database, r.ID)
	if err != nil {
		return terminal(fmt.Errorf("no download attempt on record: %w", err))
	}
	client, err := s.clientForHistory(h)
	if err != nil {
		return retryable(err)
	}
	info, err := client.Get(ctx, h.DownloadClientID)
	if err != nil {
		return retryable(err)
	}
	if info == nil {
		return terminal(fmt.Errorf("download %s no longer in client", h.DownloadClientID))
	}

	downloadPath := filepath.Join(info.SavePath, info.Name)
	if err := s.organizer.Organize(downloadPath, organizer.Metadata{Title: r.Title, Author: r.Author}); err != nil {
		if organizer.IsRetryable(err) {
			return retryable(err)
		}
		return terminal(err)
	}
	return done()
}

// processLibraryMatch promotes downloaded audiobooks to available once the
// media library serves them. Ebooks terminate at downloaded and are never
// considered here.
func (s *Service) processLibraryMatch(ctx context.Context, job *queue.Job) error {
	if s.libraryClient == nil {
		return nil
	}
	rs, err := db.ListRequestsByStatus(s.database, db.StatusDownloaded)
	if err != nil {
		return err
	}

	for i := range rs {
		r := &rs[i]
		if r.Type != db.RequestAudiobook {
			continue
		}
		found, err := s.libraryClient.HasBook(ctx, r.Title, r.Author)
		if err != nil {
			logger.Error().Err(err).Uint("request", r.ID).Msg("library match failed")
			continue
		}
		if !found {
			continue
		}
		if err := transition(s.database, r, db.StatusAvailable); err != nil {
			logger.Error().Err(err).Uint("request", r.ID).Msg("could not mark available")
			continue
		}
		s.notifyAsync(notify.EventRequestAvailable, r, "")
	}
	return nil
}

// processReconcile re-enqueues stage jobs for requests that have none, so a
// restart with an empty in-memory queue does not strand them.
func (s *Service) processReconcile(ctx context.Context, job *queue.Job) error {
	rs, err := db.ListRequestsByStatus(s.database, db.StatusPending, db.StatusAwaitingImport)
	if err != nil {
		return err
	}

	for i := range rs {
		r := &rs[i]
		switch r.Status {
		case db.StatusPending:
			if !s.queue.HasJobForRequest(r.ID, queue.JobSearch, queue.JobDownload) {
				logger.Info().Uint("request", r.ID).Msg("re-enqueueing stranded search")
				s.queue.Enqueue(queue.JobSearch, nil, r.ID)
			}
		case db.StatusAwaitingImport:
			if !s.queue.HasJobForRequest(r.ID, queue.JobOrganize) {
				logger.Info().Uint("request", r.ID).Msg("re-enqueueing stranded organize")
				s.queue.Enqueue(queue.JobOrganize, nil, r.ID)
			}
		}
	}
	return nil
}

func (s *Service) processNotification(ctx context.Context, job *queue.Job) error {
	n, ok := job.Payload.(notify.Notification)
	if !ok {
		return fmt.Errorf("notification job %d with payload %T", job.ID, job.Payload)
	}
	return s.notifier.Send(ctx, n)
}

func (s *Service) clientForHistory(h *db.DownloadHistory) (downloaders.IDownloadClient, error) {
	if h.DownloadClient != "" {
		if client, err := s.router.ForName(h.DownloadClient); err == nil {
			return client, nil
		}
	}
	return s.router.ForProtocol(db.Protocol(h.Protocol))
}
