package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamDefinition is the read-only exam a session runs against.
// It is immutable for the lifetime of a session.
type ExamDefinition struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	Questions       []Question `json:"questions"`
}

// IsOpen reports whether the exam window admits new attempts at now.
// A missing bound is treated as unbounded on that side.
func (e *ExamDefinition) IsOpen(now time.Time) bool {
	if e.StartTime != nil && now.Before(*e.StartTime) {
		return false
	}
	if e.EndTime != nil && !now.Before(*e.EndTime) {
		return false
	}
	return true
}

// QuestionIndex returns the position of questionID in the exam, or -1.
func (e *ExamDefinition) QuestionIndex(questionID uuid.UUID) int {
	for i := range e.Questions {
		if e.Questions[i].ID == questionID {
			return i
		}
	}
	return -1
}
