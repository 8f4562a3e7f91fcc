package model

import (
	"time"

	"github.com/google/uuid"
)

// AnswerJob is queued for each accepted answer write.
type AnswerJob struct {
	SubmissionID uuid.UUID   `json:"submission_id"`
	Write        AnswerWrite `json:"write"`
}

// ViolationJob is queued for each reported violation.
type ViolationJob struct {
	SubmissionID uuid.UUID `json:"submission_id"`
	ExamID       uuid.UUID `json:"exam_id"`
	StudentID    int       `json:"student_id"`
	Violation    Violation `json:"violation"`
	ReceivedAt   time.Time `json:"received_at"`
}

// SubmissionJob carries a finished submission to durable storage.
type SubmissionJob struct {
	SubmissionID   uuid.UUID         `json:"submission_id"`
	Answers        map[string]string `json:"answers"`
	ViolationCount int               `json:"violation_count"`
	Trigger        string            `json:"trigger"`
	SubmittedAt    time.Time         `json:"submitted_at"`
}
