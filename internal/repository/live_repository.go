package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
)

// saveAnswerScript stores an answer only if its seq is newer than the stored one.
// KEYS[1] answers hash, KEYS[2] seq hash; ARGV question_id, value, seq.
// Returns {accepted, stored_seq}.
var saveAnswerScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[2], ARGV[1])
if cur and tonumber(cur) >= tonumber(ARGV[3]) then
	return {0, cur}
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return {1, ARGV[3]}
`)

// liveTTL keeps the hot state around well past any exam's end.
const liveTTL = 48 * time.Hour

// MonitorEvent is published on the exam's monitor channel for proctors.
type MonitorEvent struct {
	Type         string    `json:"type"`
	SubmissionID uuid.UUID `json:"submission_id"`
	StudentID    int       `json:"student_id"`
	QuestionID   string    `json:"question_id,omitempty"`
	Violation    string    `json:"violation,omitempty"`
	Count        int       `json:"count,omitempty"`
	At           time.Time `json:"at"`
}

// LiveRepository holds the hot per-submission state in Redis.
type LiveRepository struct {
	rdb *redis.Client
}

// NewLiveRepository creates a new LiveRepository.
func NewLiveRepository(rdb *redis.Client) *LiveRepository {
	return &LiveRepository{rdb: rdb}
}

// SaveAnswer applies last-write-wins by seq. accepted is false when an equal
// or newer seq is already stored; stored is the seq now held.
func (r *LiveRepository) SaveAnswer(ctx context.Context, submissionID uuid.UUID, w model.AnswerWrite) (accepted bool, stored uint64, err error) {
	id := submissionID.String()
	answersKey := config.CacheKey.SubmissionAnswersKey(id)
	seqKey := config.CacheKey.SubmissionAnswerSeqKey(id)

	res, err := saveAnswerScript.Run(ctx, r.rdb,
		[]string{answersKey, seqKey},
		w.QuestionID, w.Value, strconv.FormatUint(w.Seq, 10),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("save answer: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("save answer: unexpected reply %v", res)
	}

	flag, _ := res[0].(int64)
	seqStr, _ := res[1].(string)
	stored, err = strconv.ParseUint(seqStr, 10, 64)
	if err != nil {
		return false, 0, fmt.Errorf("save answer: parse seq: %w", err)
	}

	if flag == 1 {
		pipe := r.rdb.Pipeline()
		pipe.Expire(ctx, answersKey, liveTTL)
		pipe.Expire(ctx, seqKey, liveTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return true, stored, fmt.Errorf("save answer: expire: %w", err)
		}
	}
	return flag == 1, stored, nil
}

// Answers returns the latest accepted answers of a submission.
func (r *LiveRepository) Answers(ctx context.Context, submissionID uuid.UUID) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, config.CacheKey.SubmissionAnswersKey(submissionID.String())).Result()
}

// IncrViolations bumps and returns the violation count of a submission.
func (r *LiveRepository) IncrViolations(ctx context.Context, submissionID uuid.UUID) (int, error) {
	key := config.CacheKey.SubmissionViolationsKey(submissionID.String())
	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, liveTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr violations: %w", err)
	}
	return int(incr.Val()), nil
}

// Violations returns the violation count of a submission.
func (r *LiveRepository) Violations(ctx context.Context, submissionID uuid.UUID) (int, error) {
	n, err := r.rdb.Get(ctx, config.CacheKey.SubmissionViolationsKey(submissionID.String())).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// AcquireSubmitLock takes the one-shot submit lock. It reports false if
// another submit already holds it.
func (r *LiveRepository) AcquireSubmitLock(ctx context.Context, submissionID uuid.UUID, ttl time.Duration) (bool, error) {
	return r.rdb.SetNX(ctx, config.CacheKey.SubmissionSubmitLockKey(submissionID.String()), "1", ttl).Result()
}

// ReleaseSubmitLock drops the submit lock after a failed submit.
func (r *LiveRepository) ReleaseSubmitLock(ctx context.Context, submissionID uuid.UUID) error {
	return r.rdb.Del(ctx, config.CacheKey.SubmissionSubmitLockKey(submissionID.String())).Err()
}

// StoreResult records the terminal submit result for idempotent replays.
func (r *LiveRepository) StoreResult(ctx context.Context, res *model.SubmitResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, config.CacheKey.SubmissionResultKey(res.SubmissionID.String()), data, liveTTL).Err()
}

// Result returns the stored submit result, or nil if the submission was not submitted.
func (r *LiveRepository) Result(ctx context.Context, submissionID uuid.UUID) (*model.SubmitResult, error) {
	raw, err := r.rdb.Get(ctx, config.CacheKey.SubmissionResultKey(submissionID.String())).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var res model.SubmitResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &res, nil
}

// Enqueue pushes a job for the persistence workers.
func (r *LiveRepository) Enqueue(ctx context.Context, queue string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.rdb.RPush(ctx, queue, data).Err()
}

// Publish sends an event to the exam's monitor channel.
func (r *LiveRepository) Publish(ctx context.Context, examID uuid.UUID, ev MonitorEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID.String()), data).Err()
}

// MarkForced flags a submission as force-submitted by violations and schedules
// its fallback finalize at due. It reports false if the flag was already set.
func (r *LiveRepository) MarkForced(ctx context.Context, submissionID uuid.UUID, due time.Time) (bool, error) {
	id := submissionID.String()
	ok, err := r.rdb.SetNX(ctx, config.CacheKey.SubmissionForcedKey(id), due.Unix(), liveTTL).Result()
	if err != nil {
		return false, fmt.Errorf("mark forced: %w", err)
	}
	if !ok {
		return false, nil
	}
	err = r.rdb.ZAdd(ctx, config.CacheKey.ForcedSubmitScheduleKey(), redis.Z{
		Score:  float64(due.Unix()),
		Member: id,
	}).Err()
	if err != nil {
		return true, fmt.Errorf("schedule forced submit: %w", err)
	}
	return true, nil
}

// Forced reports whether violations forced the submission.
func (r *LiveRepository) Forced(ctx context.Context, submissionID uuid.UUID) (bool, error) {
	n, err := r.rdb.Exists(ctx, config.CacheKey.SubmissionForcedKey(submissionID.String())).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DueForced returns up to limit forced submissions whose fallback finalize is due at now.
func (r *LiveRepository) DueForced(ctx context.Context, now time.Time, limit int64) ([]uuid.UUID, error) {
	members, err := r.rdb.ZRangeByScore(ctx, config.CacheKey.ForcedSubmitScheduleKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("due forced: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			// Not a submission id; drop it.
			r.rdb.ZRem(ctx, config.CacheKey.ForcedSubmitScheduleKey(), m)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// UnscheduleForced removes a submission from the fallback schedule.
func (r *LiveRepository) UnscheduleForced(ctx context.Context, submissionID uuid.UUID) error {
	return r.rdb.ZRem(ctx, config.CacheKey.ForcedSubmitScheduleKey(), submissionID.String()).Err()
}
