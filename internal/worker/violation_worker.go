package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
)

// ViolationStore writes the violation log.
type ViolationStore interface {
	CopyViolations(ctx context.Context, batch []model.ViolationJob) (int64, error)
	InsertViolation(ctx context.Context, j model.ViolationJob) error
}

// ViolationWorker batches reported violations into PostgreSQL.
type ViolationWorker struct {
	store        ViolationStore
	rdb          *redis.Client
	log          zerolog.Logger
	batchSize    int
	batchTimeout time.Duration
}

func NewViolationWorker(store ViolationStore, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	return &ViolationWorker{
		store:        store,
		rdb:          rdb,
		log:          log.With().Str("component", "violation_worker").Logger(),
		batchSize:    BatchSize,
		batchTimeout: BatchTimeout,
	}
}

func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	buffer := make([]model.ViolationJob, 0, w.batchSize)
	lastFlushTime := time.Now()

	for {
		// 1. Flush on size or age.
		if len(buffer) > 0 && (len(buffer) >= w.batchSize || time.Since(lastFlushTime) >= w.batchTimeout) {
			w.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlushTime = time.Now()
		}

		// 2. Graceful shutdown.
		select {
		case <-ctx.Done():
			w.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch from Redis.
		raw, ok, err := popJob(ctx, w.rdb, config.WorkerKey.PersistViolationsQueue)
		if err != nil {
			w.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleepCtx(ctx, 3*time.Second)
			continue
		}
		if !ok {
			continue
		}

		var job model.ViolationJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			// Malformed JSON cannot succeed on retry.
			w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed JSON")
			continue
		}
		buffer = append(buffer, job)
	}
}

// flushSafe tries COPY, then row-by-row, then requeues what still failed.
func (w *ViolationWorker) flushSafe(ctx context.Context, batch []model.ViolationJob) {
	if _, err := w.store.CopyViolations(ctx, batch); err != nil {
		w.log.Warn().Err(err).Int("count", len(batch)).Msg("Bulk insert failed, attempting row-by-row recovery")
		w.fallbackInsert(ctx, batch)
	}
}

func (w *ViolationWorker) fallbackInsert(ctx context.Context, batch []model.ViolationJob) {
	var requeueList []model.ViolationJob

	for _, j := range batch {
		if err := w.store.InsertViolation(ctx, j); err != nil {
			w.log.Error().Err(err).
				Str("submission_id", j.SubmissionID.String()).
				Msg("Insert failed, requeueing")
			requeueList = append(requeueList, j)
		}
	}

	if len(requeueList) > 0 {
		w.requeue(ctx, requeueList)
	}
}

func (w *ViolationWorker) requeue(ctx context.Context, items []model.ViolationJob) {
	pipe := w.rdb.Pipeline()
	for _, j := range items {
		data, _ := json.Marshal(j)
		pipe.RPush(context.Background(), config.WorkerKey.PersistViolationsQueue, data)
	}
	if _, err := pipe.Exec(context.Background()); err != nil {
		w.log.Error().Err(err).Int("count", len(items)).Msg("Failed to requeue violations; data lost")
		return
	}
	w.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Back off so a down database is not hammered.
	sleepCtx(ctx, 2*time.Second)
}

func (w *ViolationWorker) shutdown(buffer []model.ViolationJob) {
	w.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		w.flushSafe(shutdownCtx, buffer)
	}
}
