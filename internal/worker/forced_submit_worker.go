package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DueFinalizer finalizes forced submissions whose grace period ran out.
type DueFinalizer interface {
	FinalizeDue(ctx context.Context) (int, error)
}

// ForcedSubmitWorker submits violation-forced submissions whose client never did.
type ForcedSubmitWorker struct {
	finalizer DueFinalizer
	log       zerolog.Logger
	interval  time.Duration
}

// NewForcedSubmitWorker creates a new ForcedSubmitWorker.
func NewForcedSubmitWorker(finalizer DueFinalizer, log zerolog.Logger) *ForcedSubmitWorker {
	return &ForcedSubmitWorker{
		finalizer: finalizer,
		log:       log.With().Str("component", "forced_submit_worker").Logger(),
		interval:  time.Second,
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *ForcedSubmitWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
			w.processDue(ctx)
		}
	}
}

func (w *ForcedSubmitWorker) processDue(ctx context.Context) {
	n, err := w.finalizer.FinalizeDue(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Forced submit sweep failed")
		}
		return
	}
	if n > 0 {
		w.log.Info().Int("count", n).Msg("Forced submissions finalized")
	}
}
