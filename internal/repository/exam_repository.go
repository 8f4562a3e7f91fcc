package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("repository: not found")

// examCacheTTL bounds how long a definition is served from Redis.
const examCacheTTL = 10 * time.Minute

// ExamRepository reads exam definitions. Definitions are immutable while an
// exam runs, so they are cached in Redis in front of PostgreSQL.
type ExamRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ExamRepository {
	return &ExamRepository{pool: pool, rdb: rdb, log: log.With().Str("component", "exam_repository").Logger()}
}

// GetExam returns the student-facing definition of an exam, answer keys excluded.
func (r *ExamRepository) GetExam(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	key := config.CacheKey.ExamDefinitionKey(id.String())

	if raw, err := r.rdb.Get(ctx, key).Bytes(); err == nil {
		var exam model.ExamDefinition
		if err := json.Unmarshal(raw, &exam); err == nil {
			return &exam, nil
		}
		r.log.Warn().Str("exam_id", id.String()).Msg("Discarding malformed exam cache entry")
	} else if !errors.Is(err, redis.Nil) {
		r.log.Warn().Err(err).Msg("Exam cache read failed")
	}

	exam, err := r.loadExam(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(exam); err == nil {
		if err := r.rdb.Set(ctx, key, data, examCacheTTL).Err(); err != nil {
			r.log.Warn().Err(err).Msg("Exam cache write failed")
		}
	}
	return exam, nil
}

func (r *ExamRepository) loadExam(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	e := &model.ExamDefinition{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, start_time, end_time, duration_minutes
		 FROM exams WHERE id = $1 AND status = 'PUBLISHED'`, id,
	).Scan(&e.ID, &e.Title, &e.StartTime, &e.EndTime, &e.DurationMinutes)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, question_text, question_type, options, marks, order_num
		 FROM questions
		 WHERE exam_id = $1
		 ORDER BY order_num ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.QuestionText, &q.QuestionType, &q.Options, &q.Marks, &q.OrderNum); err != nil {
			return nil, err
		}
		e.Questions = append(e.Questions, q)
	}
	return e, rows.Err()
}
