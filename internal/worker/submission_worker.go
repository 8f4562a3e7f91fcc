package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
)

// Finalizer stores a submitted submission durably. It must be idempotent.
type Finalizer interface {
	Finalize(ctx context.Context, submissionID uuid.UUID, answers map[string]string, violations int, trigger string, at time.Time) error
}

// SubmissionWorker persists finished submissions to PostgreSQL.
type SubmissionWorker struct {
	store      Finalizer
	rdb        *redis.Client
	log        zerolog.Logger
	retryDelay time.Duration
}

// NewSubmissionWorker creates a new SubmissionWorker.
func NewSubmissionWorker(store Finalizer, rdb *redis.Client, log zerolog.Logger) *SubmissionWorker {
	return &SubmissionWorker{
		store:      store,
		rdb:        rdb,
		log:        log.With().Str("component", "submission_worker").Logger(),
		retryDelay: 5 * time.Second,
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *SubmissionWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *SubmissionWorker) processNext(ctx context.Context) {
	raw, ok, err := popJob(ctx, w.rdb, config.WorkerKey.PersistSubmissionsQueue)
	if err != nil {
		w.log.Error().Err(err).Msg("BLPop error")
		sleepCtx(ctx, w.retryDelay)
		return
	}
	if !ok {
		return
	}

	var job model.SubmissionJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed job")
		return
	}

	err = w.store.Finalize(ctx, job.SubmissionID, job.Answers, job.ViolationCount, job.Trigger, job.SubmittedAt)
	if err != nil {
		w.log.Error().Err(err).
			Str("submission_id", job.SubmissionID.String()).
			Msg("Finalize failed, requeueing")
		if err := w.rdb.RPush(context.Background(), config.WorkerKey.PersistSubmissionsQueue, raw).Err(); err != nil {
			w.log.Error().Err(err).
				Str("submission_id", job.SubmissionID.String()).
				Str("data", raw).
				Msg("Requeue failed, submission job dropped")
		}
		sleepCtx(ctx, w.retryDelay)
		return
	}

	w.log.Info().
		Str("submission_id", job.SubmissionID.String()).
		Int("answers", len(job.Answers)).
		Msg("Submission persisted")
}
