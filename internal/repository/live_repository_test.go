package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
)

func newLive(t *testing.T) (*LiveRepository, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLiveRepository(rdb), mr, rdb
}

func TestSaveAnswerLastWriteWins(t *testing.T) {
	live, _, _ := newLive(t)
	ctx := context.Background()
	sub := uuid.New()

	accepted, seq, err := live.SaveAnswer(ctx, sub, model.AnswerWrite{QuestionID: "q1", Value: "B", Seq: 5})
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, uint64(5), seq)

	// An older write arriving late is acknowledged but ignored.
	accepted, seq, err = live.SaveAnswer(ctx, sub, model.AnswerWrite{QuestionID: "q1", Value: "A", Seq: 3})
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, uint64(5), seq)

	// Replaying the same seq is a no-op.
	accepted, _, err = live.SaveAnswer(ctx, sub, model.AnswerWrite{QuestionID: "q1", Value: "B", Seq: 5})
	require.NoError(t, err)
	assert.False(t, accepted)

	accepted, _, err = live.SaveAnswer(ctx, sub, model.AnswerWrite{QuestionID: "q2", Value: "C", Seq: 1})
	require.NoError(t, err)
	assert.True(t, accepted)

	answers, err := live.Answers(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"q1": "B", "q2": "C"}, answers)
}

func TestSaveAnswerSetsExpiry(t *testing.T) {
	live, mr, _ := newLive(t)
	sub := uuid.New()

	_, _, err := live.SaveAnswer(context.Background(), sub, model.AnswerWrite{QuestionID: "q1", Value: "A", Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, liveTTL, mr.TTL(config.CacheKey.SubmissionAnswersKey(sub.String())))
	assert.Equal(t, liveTTL, mr.TTL(config.CacheKey.SubmissionAnswerSeqKey(sub.String())))
}

func TestViolationsCounter(t *testing.T) {
	live, _, _ := newLive(t)
	ctx := context.Background()
	sub := uuid.New()

	n, err := live.Violations(ctx, sub)
	require.NoError(t, err)
	assert.Zero(t, n)

	for i := 1; i <= 3; i++ {
		n, err = live.IncrViolations(ctx, sub)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	n, err = live.Violations(ctx, sub)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSubmitLock(t *testing.T) {
	live, mr, _ := newLive(t)
	ctx := context.Background()
	sub := uuid.New()

	ok, err := live.AcquireSubmitLock(ctx, sub, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = live.AcquireSubmitLock(ctx, sub, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, live.ReleaseSubmitLock(ctx, sub))
	ok, err = live.AcquireSubmitLock(ctx, sub, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	ok, err = live.AcquireSubmitLock(ctx, sub, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestResultRoundTrip(t *testing.T) {
	live, _, _ := newLive(t)
	ctx := context.Background()
	sub := uuid.New()

	res, err := live.Result(ctx, sub)
	require.NoError(t, err)
	assert.Nil(t, res)

	at := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, live.StoreResult(ctx, &model.SubmitResult{
		SubmissionID: sub,
		Status:       model.SubmissionStatusSubmitted,
		SubmittedAt:  at,
		Trigger:      "client",
	}))

	res, err = live.Result(ctx, sub)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, model.SubmissionStatusSubmitted, res.Status)
	assert.True(t, at.Equal(res.SubmittedAt))
	assert.Equal(t, "client", res.Trigger)
}

func TestEnqueueAndPublish(t *testing.T) {
	live, _, rdb := newLive(t)
	ctx := context.Background()
	sub := uuid.New()
	exam := uuid.New()

	job := model.AnswerJob{SubmissionID: sub, Write: model.AnswerWrite{QuestionID: "q1", Value: "A", Seq: 1}}
	require.NoError(t, live.Enqueue(ctx, config.WorkerKey.PersistAnswersQueue, job))

	raw, err := rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Bytes()
	require.NoError(t, err)
	var got model.AnswerJob
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, job, got)

	ps := rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(exam.String()))
	defer ps.Close()
	_, err = ps.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, live.Publish(ctx, exam, MonitorEvent{Type: "violation", SubmissionID: sub, Count: 2}))

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := ps.ReceiveMessage(waitCtx)
	require.NoError(t, err)
	var ev MonitorEvent
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
	assert.Equal(t, "violation", ev.Type)
	assert.Equal(t, 2, ev.Count)
}

func TestForcedSchedule(t *testing.T) {
	live, _, _ := newLive(t)
	ctx := context.Background()
	first, second := uuid.New(), uuid.New()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	forced, err := live.Forced(ctx, first)
	require.NoError(t, err)
	assert.False(t, forced)

	ok, err := live.MarkForced(ctx, first, base.Add(30*time.Second))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = live.MarkForced(ctx, first, base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "second mark keeps the first due time")
	_, err = live.MarkForced(ctx, second, base.Add(time.Minute))
	require.NoError(t, err)

	forced, err = live.Forced(ctx, first)
	require.NoError(t, err)
	assert.True(t, forced)

	due, err := live.DueForced(ctx, base, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = live.DueForced(ctx, base.Add(30*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{first}, due)

	due, err = live.DueForced(ctx, base.Add(2*time.Minute), 1)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	require.NoError(t, live.UnscheduleForced(ctx, first))
	due, err = live.DueForced(ctx, base.Add(2*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{second}, due)

	forced, err = live.Forced(ctx, first)
	require.NoError(t, err)
	assert.True(t, forced, "unscheduling keeps the marker")
}
