package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stemsi/exstem-session/internal/model"
)

// ViolationRepository writes the violation log.
type ViolationRepository struct {
	pool *pgxpool.Pool
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool) *ViolationRepository {
	return &ViolationRepository{pool: pool}
}

var violationColumns = []string{
	"submission_id", "exam_id", "student_id", "violation_type", "detail",
	"question_index", "user_agent", "occurred_at", "received_at",
}

func violationRow(j model.ViolationJob) []interface{} {
	v := j.Violation
	return []interface{}{
		j.SubmissionID, j.ExamID, j.StudentID, string(v.Type), v.Detail,
		v.QuestionIndex, v.UserAgent, v.Timestamp, j.ReceivedAt,
	}
}

// CopyViolations bulk-inserts a batch with COPY.
func (r *ViolationRepository) CopyViolations(ctx context.Context, batch []model.ViolationJob) (int64, error) {
	rows := make([][]interface{}, 0, len(batch))
	for _, j := range batch {
		rows = append(rows, violationRow(j))
	}
	return r.pool.CopyFrom(ctx, pgx.Identifier{"exam_violations"}, violationColumns, pgx.CopyFromRows(rows))
}

// InsertViolation inserts a single row.
func (r *ViolationRepository) InsertViolation(ctx context.Context, j model.ViolationJob) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO exam_violations
		 (submission_id, exam_id, student_id, violation_type, detail, question_index, user_agent, occurred_at, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		violationRow(j)...,
	)
	return err
}
