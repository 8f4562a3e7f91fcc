package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Question represents a single exam question as delivered to a candidate.
// Answer keys never leave the server.
type Question struct {
	ID           uuid.UUID       `json:"id"`
	QuestionText string          `json:"question_text"`
	QuestionType QuestionType    `json:"question_type"`
	Options      json.RawMessage `json:"options"`
	Marks        int             `json:"marks"`
	OrderNum     int             `json:"order_num"`
}

type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeEssay          QuestionType = "ESSAY"
)
