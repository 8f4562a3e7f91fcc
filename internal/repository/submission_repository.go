package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-session/internal/model"
)

// SubmissionRepository handles durable submission data access.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

const submissionColumns = `id, exam_id, student_id, status, violation_count, deadline, started_at, submitted_at`

func scanSubmission(row pgx.Row) (*model.Submission, error) {
	s := &model.Submission{}
	err := row.Scan(&s.ID, &s.ExamID, &s.StudentID, &s.Status, &s.ViolationCount,
		&s.Deadline, &s.StartedAt, &s.SubmittedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

// GetByID retrieves a submission by its id.
func (r *SubmissionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Submission, error) {
	return scanSubmission(r.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
}

// GetByExamAndStudent retrieves the submission for a specific exam-student combination.
func (r *SubmissionRepository) GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.Submission, error) {
	return scanSubmission(r.pool.QueryRow(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID))
}

// Create inserts a new in-progress submission. If one already exists for the
// exam-student pair (a concurrent start won), the existing row is returned
// and created is false.
func (r *SubmissionRepository) Create(ctx context.Context, s *model.Submission) (created bool, err error) {
	err = r.pool.QueryRow(ctx,
		`INSERT INTO submissions (exam_id, student_id, status, deadline)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (exam_id, student_id) DO NOTHING
		 RETURNING id, started_at`,
		s.ExamID, s.StudentID, model.SubmissionStatusInProgress, s.Deadline,
	).Scan(&s.ID, &s.StartedAt)
	if err == nil {
		s.Status = model.SubmissionStatusInProgress
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("create submission: %w", err)
	}

	existing, err := r.GetByExamAndStudent(ctx, s.ExamID, s.StudentID)
	if err != nil {
		return false, err
	}
	*s = *existing
	return false, nil
}

// Answers returns the durably stored answers of a submission.
func (r *SubmissionRepository) Answers(ctx context.Context, submissionID uuid.UUID) (map[string]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, answer FROM student_answers WHERE submission_id = $1`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	answers := make(map[string]string)
	for rows.Next() {
		var q, a string
		if err := rows.Scan(&q, &a); err != nil {
			return nil, err
		}
		answers[q] = a
	}
	return answers, rows.Err()
}

// UpsertAnswer stores an answer unless a newer seq is already stored.
func (r *SubmissionRepository) UpsertAnswer(ctx context.Context, submissionID uuid.UUID, w model.AnswerWrite) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO student_answers (submission_id, question_id, answer, seq)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (submission_id, question_id) DO UPDATE
		 SET answer = EXCLUDED.answer, seq = EXCLUDED.seq, updated_at = NOW()
		 WHERE student_answers.seq < EXCLUDED.seq`,
		submissionID, w.QuestionID, w.Value, int64(w.Seq),
	)
	return err
}

// Finalize marks a submission submitted and replaces its answers with the
// final map in one transaction. Finalizing twice is harmless.
func (r *SubmissionRepository) Finalize(ctx context.Context, submissionID uuid.UUID, answers map[string]string, violations int, trigger string, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE submissions
		 SET status = $1, submitted_at = COALESCE(submitted_at, $2),
		     violation_count = GREATEST(violation_count, $3), submit_trigger = $4
		 WHERE id = $5`,
		model.SubmissionStatusSubmitted, at, violations, trigger, submissionID)
	if err != nil {
		return fmt.Errorf("mark submitted: %w", err)
	}

	batch := &pgx.Batch{}
	for q, a := range answers {
		// The final map is authoritative, so it carries the highest possible seq.
		batch.Queue(
			`INSERT INTO student_answers (submission_id, question_id, answer, seq)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (submission_id, question_id) DO UPDATE
			 SET answer = EXCLUDED.answer, seq = EXCLUDED.seq, updated_at = NOW()`,
			submissionID, q, a, int64(1<<62))
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("store final answers: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// ExamStats summarizes the durable submissions of an exam.
type ExamStats struct {
	Joined     int `json:"total_joined"`
	InProgress int `json:"total_in_progress"`
	Submitted  int `json:"total_submitted"`
	Violations int `json:"total_violations"`
}

// Stats returns the submission counts of an exam.
func (r *SubmissionRepository) Stats(ctx context.Context, examID uuid.UUID) (*ExamStats, error) {
	st := &ExamStats{}
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status <> $2),
		        COUNT(*) FILTER (WHERE status = $2),
		        COALESCE(SUM(violation_count), 0)
		 FROM submissions WHERE exam_id = $1`,
		examID, model.SubmissionStatusSubmitted,
	).Scan(&st.Joined, &st.InProgress, &st.Submitted, &st.Violations)
	if err != nil {
		return nil, fmt.Errorf("exam stats: %w", err)
	}
	return st, nil
}
