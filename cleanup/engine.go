// Package cleanup reclaims finished downloads once their seeding obligation
// is met and no other request still depends on them, and hard-deletes
// soft-deleted requests whose resources are confirmed safe to release.
package cleanup

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/shelfarr-project/shelfarr/downloaders"
	"github.com/shelfarr-project/shelfarr/internal/config"
	"github.com/shelfarr-project/shelfarr/internal/db"
)

var logger = log.With().Str("component", "cleanup").Logger()

// Stats summarizes one cleanup run.
type Stats struct {
	TorrentsRemoved     int
	TorrentsKeptSeeding int
	RequestsHardDeleted int
	Errors              int
}

type Engine struct {
	database *gorm.DB
	cfg      *config.Config
	router   *downloaders.Router
}

func New(database *gorm.DB, cfg *config.Config, router *downloaders.Router) *Engine {
	return &Engine{database: database, cfg: cfg, router: router}
}

// Run processes one bounded batch of cleanup candidates. Per-item failures
// are counted and logged but never abort the batch; unresolved candidates
// come back next run.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	var stats Stats

	candidates, err := db.ListCleanupCandidates(e.database, e.cfg.Cleanup.BatchSize)
	if err != nil {
		return stats, err
	}

	// handles already reclaimed during this run, so a handle shared by
	// several candidates in one batch is deleted once
	reclaimed := make(map[string]bool)

	for i := range candidates {
		r := &candidates[i]
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := e.processCandidate(ctx, r, reclaimed, &stats); err != nil {
			stats.Errors++
			logger.Error().Err(err).Uint("request", r.ID).Msg("cleanup candidate failed")
		}
	}

	logger.Info().
		Int("candidates", len(candidates)).
		Int("removed", stats.TorrentsRemoved).
		Int("kept_seeding", stats.TorrentsKeptSeeding).
		Int("hard_deleted", stats.RequestsHardDeleted).
		Int("errors", stats.Errors).
		Msg("cleanup run finished")
	return stats, nil
}

func (e *Engine) processCandidate(ctx context.Context, r *db.Request, reclaimed map[string]bool, stats *Stats) error {
	h, err := db.GetSelectedHistory(e.database, r.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// nothing was ever downloaded; a soft-deleted request is pure metadata
			if r.SoftDeleted() {
				return e.hardDelete(r, stats)
			}
			return nil
		}
		return err
	}

	if h.Status == db.DownloadRemoved {
		// already reclaimed on an earlier run
		if r.SoftDeleted() {
			return e.hardDelete(r, stats)
		}
		return nil
	}

	if h.Protocol == string(db.ProtocolUsenet) {
		// no seeding concept; a soft-deleted usenet request is reclaimed now
		if r.SoftDeleted() {
			if err := e.deleteDownload(ctx, h, reclaimed, r, stats); err != nil {
				return err
			}
			return e.hardDelete(r, stats)
		}
		return nil
	}

	requirement := e.cfg.SeedRequirementFor(h.IndexerName)
	if requirement.Unlimited {
		// the download is never reclaimed by this path; a soft-deleted
		// request still gets its metadata removed
		if r.SoftDeleted() {
			return e.hardDelete(r, stats)
		}
		return nil
	}

	if h.DownloadClientID == "" {
		if r.SoftDeleted() {
			return e.hardDelete(r, stats)
		}
		return nil
	}

	if !reclaimed[h.DownloadClientID] {
		met, err := e.seedRequirementMet(ctx, h, requirement)
		if err != nil {
			return err
		}
		if !met {
			// not a failure, just not yet; re-checked next run
			stats.TorrentsKeptSeeding++
			return nil
		}

		refs, err := db.CountOtherActiveReferences(e.database, h.DownloadClientID, r.ID)
		if err != nil {
			return err
		}
		if refs > 0 {
			logger.Debug().
				Uint("request", r.ID).
				Str("handle", h.DownloadClientID).
				Int64("other_refs", refs).
				Msg("download shared with active requests, preserved")
			if r.SoftDeleted() {
				return e.hardDelete(r, stats)
			}
			return nil
		}

		if err := e.deleteDownload(ctx, h, reclaimed, r, stats); err != nil {
			return err
		}
	}

	if r.SoftDeleted() {
		return e.hardDelete(r, stats)
	}
	return nil
}

// seedRequirementMet asks the owning client for actual seeding time. A
// handle the client no longer knows counts as met: there is nothing left to
// keep seeding.
func (e *Engine) seedRequirementMet(ctx context.Context, h *db.DownloadHistory, requirement config.SeedRequirement) (bool, error) {
	client, err := e.clientFor(h)
	if err != nil {
		return false, err
	}
	info, err := client.Get(ctx, h.DownloadClientID)
	if err != nil {
		return false, err
	}
	if info == nil {
		return true, nil
	}
	return info.SeedingTime >= time.Duration(requirement.Minutes)*time.Minute, nil
}

func (e *Engine) deleteDownload(ctx context.Context, h *db.DownloadHistory, reclaimed map[string]bool, r *db.Request, stats *Stats) error {
	if h.DownloadClientID == "" || reclaimed[h.DownloadClientID] {
		return nil
	}
	client, err := e.clientFor(h)
	if err != nil {
		return err
	}
	if err := client.Delete(ctx, h.DownloadClientID, true); err != nil {
		return err
	}
	reclaimed[h.DownloadClientID] = true
	stats.TorrentsRemoved++

	h.Status = db.DownloadRemoved
	if err := db.SaveDownloadHistory(e.database, h); err != nil {
		return err
	}
	logger.Info().Uint("request", r.ID).Str("handle", h.DownloadClientID).Msg("download reclaimed")
	return nil
}

func (e *Engine) hardDelete(r *db.Request, stats *Stats) error {
	if err := db.HardDeleteRequest(e.database, r.ID); err != nil {
		return err
	}
	stats.RequestsHardDeleted++
	logger.Info().Uint("request", r.ID).Msg("request hard-deleted")
	return nil
}

func (e *Engine) clientFor(h *db.DownloadHistory) (downloaders.IDownloadClient, error) {
	if h.DownloadClient != "" {
		if client, err := e.router.ForName(h.DownloadClient); err == nil {
			return client, nil
		}
	}
	return e.router.ForProtocol(db.Protocol(h.Protocol))
}
