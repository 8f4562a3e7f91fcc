package model

import (
	"time"

	"github.com/google/uuid"
)

// SubmissionStatus enumerates the states of a submission.
// Status only moves forward: not_started → in_progress → submitting → submitted.
type SubmissionStatus string

const (
	SubmissionStatusNotStarted SubmissionStatus = "not_started"
	SubmissionStatusInProgress SubmissionStatus = "in_progress"
	SubmissionStatusSubmitting SubmissionStatus = "submitting"
	SubmissionStatusSubmitted  SubmissionStatus = "submitted"
)

var statusRank = map[SubmissionStatus]int{
	SubmissionStatusNotStarted: 0,
	SubmissionStatusInProgress: 1,
	SubmissionStatusSubmitting: 2,
	SubmissionStatusSubmitted:  3,
}

// CanAdvanceTo reports whether moving from s to next keeps the status monotonic.
// Staying in the same status is not an advance.
func (s SubmissionStatus) CanAdvanceTo(next SubmissionStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Terminal reports whether no further transition is possible.
func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionStatusSubmitted
}

// Submission is a student's attempt at one exam.
type Submission struct {
	ID             uuid.UUID         `json:"id"`
	ExamID         uuid.UUID         `json:"exam_id"`
	StudentID      int               `json:"student_id"`
	Status         SubmissionStatus  `json:"status"`
	Answers        map[string]string `json:"answers"`
	ViolationCount int               `json:"violation_count"`
	Deadline       time.Time         `json:"deadline"`
	StartedAt      time.Time         `json:"started_at"`
	SubmittedAt    *time.Time        `json:"submitted_at,omitempty"`
}

// AnswerWrite is one persisted answer mutation. Seq is a per-question,
// client-assigned monotonic number; the newest seq wins regardless of arrival order.
type AnswerWrite struct {
	QuestionID string `json:"question_id"`
	Value      string `json:"value"`
	Seq        uint64 `json:"seq"`
}

// ─── Wire DTOs ──────────────────────────────────────────────────────

// StartExamResponse is returned by the start operation. Starting is
// idempotent: an existing submission is returned instead of a new one.
type StartExamResponse struct {
	SubmissionID  uuid.UUID         `json:"submission_id"`
	Status        SubmissionStatus  `json:"status"`
	Answers       map[string]string `json:"answers,omitempty"`
	TimeRemaining float64           `json:"time_remaining"`
	Deadline      time.Time         `json:"deadline"`
	StartedAt     time.Time         `json:"started_at"`
	Resumed       bool              `json:"resumed"`
}

// SaveAnswerRequest is the body of the save-answer operation.
type SaveAnswerRequest struct {
	Value string `json:"value" binding:"max=20000"`
	Seq   uint64 `json:"seq" binding:"required,min=1"`
}

// SaveAnswerAck acknowledges a save. Accepted is false when a newer seq was
// already stored; the call is still a success.
type SaveAnswerAck struct {
	Accepted bool   `json:"accepted"`
	Seq      uint64 `json:"seq"`
}

// SubmitRequest carries the complete local answer map at submit time.
type SubmitRequest struct {
	Answers map[string]string `json:"answers"`
}

// SubmitResult is the terminal result of a submit; replaying the submit
// returns the same value.
type SubmitResult struct {
	SubmissionID uuid.UUID        `json:"submission_id"`
	Status       SubmissionStatus `json:"status"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	Trigger      string           `json:"trigger,omitempty"`
}
