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

// AnswerStore persists answers with last-write-wins by seq.
type AnswerStore interface {
	UpsertAnswer(ctx context.Context, submissionID uuid.UUID, w model.AnswerWrite) error
}

// AutosaveWorker consumes the answers queue and UPSERTs answers to PostgreSQL.
type AutosaveWorker struct {
	store      AnswerStore
	rdb        *redis.Client
	log        zerolog.Logger
	retryDelay time.Duration
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(store AnswerStore, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		store:      store,
		rdb:        rdb,
		log:        log.With().Str("component", "autosave_worker").Logger(),
		retryDelay: 5 * time.Second,
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.drain(drainCtx)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AutosaveWorker) processNext(ctx context.Context) {
	raw, ok, err := popJob(ctx, w.rdb, config.WorkerKey.PersistAnswersQueue)
	if err != nil {
		w.log.Error().Err(err).Msg("BLPop error")
		sleepCtx(ctx, w.retryDelay)
		return
	}
	if !ok {
		return
	}

	var job model.AnswerJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed job")
		return
	}

	if err := w.store.UpsertAnswer(ctx, job.SubmissionID, job.Write); err != nil {
		w.log.Error().Err(err).
			Str("submission_id", job.SubmissionID.String()).
			Str("question_id", job.Write.QuestionID).
			Msg("Persist error, requeueing")
		// The seq guard makes a replayed write harmless.
		w.rdb.RPush(context.Background(), config.WorkerKey.PersistAnswersQueue, raw)
		sleepCtx(ctx, w.retryDelay)
	}
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}

		var job model.AnswerJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}

		if err := w.store.UpsertAnswer(ctx, job.SubmissionID, job.Write); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, raw)
			break
		}
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining items")
	}
}
