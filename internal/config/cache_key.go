package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SubmissionAnswersKey returns the hash holding question_id → latest accepted answer.
func (r *CacheKeyStruct) SubmissionAnswersKey(submissionID string) string {
	return fmt.Sprintf("submission:%s:answers", submissionID)
}

// SubmissionAnswerSeqKey returns the hash holding question_id → latest accepted sequence number.
func (r *CacheKeyStruct) SubmissionAnswerSeqKey(submissionID string) string {
	return fmt.Sprintf("submission:%s:answer_seq", submissionID)
}

// SubmissionViolationsKey returns the counter of violations reported for a submission.
func (r *CacheKeyStruct) SubmissionViolationsKey(submissionID string) string {
	return fmt.Sprintf("submission:%s:violations", submissionID)
}

// SubmissionSubmitLockKey returns the key guarding the one-shot submit of a submission.
func (r *CacheKeyStruct) SubmissionSubmitLockKey(submissionID string) string {
	return fmt.Sprintf("submission:%s:submit_lock", submissionID)
}

// SubmissionResultKey returns the key caching the terminal submit result.
func (r *CacheKeyStruct) SubmissionResultKey(submissionID string) string {
	return fmt.Sprintf("submission:%s:result", submissionID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()

// ExamDefinitionKey returns the key caching the student-facing exam definition.
func (r *CacheKeyStruct) ExamDefinitionKey(examID string) string {
	return fmt.Sprintf("exam:%s:definition", examID)
}

// SubmissionForcedKey returns the marker set when violations force a submission.
func (r *CacheKeyStruct) SubmissionForcedKey(submissionID string) string {
	return fmt.Sprintf("submission:%s:forced", submissionID)
}

// ForcedSubmitScheduleKey returns the sorted set of forced submissions scored
// by the unix time their server-side finalize falls due.
func (r *CacheKeyStruct) ForcedSubmitScheduleKey() string {
	return "submission:forced_schedule"
}
