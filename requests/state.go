// Package requests owns the request lifecycle: the state machine, the user
// and admin actions that drive it, and the job processors that move a
// request from submission to a book on the shelf.
package requests

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/shelfarr-project/shelfarr/internal/db"
)

var logger = log.With().Str("component", "requests").Logger()

// legalEdges is the full transition table. A status missing from the map is
// terminal. failed and warn keep manual recovery edges so an admin can
// re-trigger the pipeline.
var legalEdges = map[db.RequestStatus][]db.RequestStatus{
	db.StatusPending:          {db.StatusAwaitingSearch, db.StatusDownloading, db.StatusFailed, db.StatusCancelled, db.StatusDenied},
	db.StatusAwaitingApproval: {db.StatusPending, db.StatusCancelled, db.StatusDenied},
	db.StatusAwaitingSearch:   {db.StatusPending, db.StatusDownloading, db.StatusFailed, db.StatusCancelled, db.StatusDenied},
	db.StatusDownloading:      {db.StatusAwaitingImport, db.StatusFailed, db.StatusCancelled, db.StatusDenied},
	db.StatusAwaitingImport:   {db.StatusDownloaded, db.StatusWarn, db.StatusFailed, db.StatusCancelled, db.StatusDenied},
	db.StatusDownloaded:       {db.StatusAvailable, db.StatusCancelled, db.StatusDenied},
	db.StatusWarn:             {db.StatusAwaitingImport, db.StatusCancelled, db.StatusDenied},
	db.StatusFailed:           {db.StatusPending, db.StatusCancelled, db.StatusDenied},
}

// ErrIllegalTransition rejects an edge the state machine does not have.
type ErrIllegalTransition struct {
	From, To db.RequestStatus
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal request transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to db.RequestStatus) bool {
	if from == to {
		return true
	}
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no automatic edge leaves the status.
func Terminal(s db.RequestStatus) bool {
	_, ok := legalEdges[s]
	return !ok
}

// transition validates the edge, applies it, and persists the request.
func transition(gdb *gorm.DB, r *db.Request, to db.RequestStatus) error {
	if !CanTransition(r.Status, to) {
		return &ErrIllegalTransition{From: r.Status, To: to}
	}
	from := r.Status
	r.Status = to
	if err := db.SaveRequest(gdb, r); err != nil {
		r.Status = from
		return err
	}
	logger.Info().
		Uint("request", r.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("request transition")
	return nil
}
