package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func push(t *testing.T, rdb *redis.Client, queue string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, rdb.RPush(context.Background(), queue, data).Err())
}

type fakeAnswerStore struct {
	mu     sync.Mutex
	fail   error
	writes []model.AnswerWrite
}

func (f *fakeAnswerStore) UpsertAnswer(_ context.Context, _ uuid.UUID, w model.AnswerWrite) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.writes = append(f.writes, w)
	return nil
}

func TestAutosaveWorkerPersists(t *testing.T) {
	rdb := newRedis(t)
	store := &fakeAnswerStore{}
	w := NewAutosaveWorker(store, rdb, zerolog.Nop())

	write := model.AnswerWrite{QuestionID: "q1", Value: "A", Seq: 3}
	push(t, rdb, config.WorkerKey.PersistAnswersQueue, model.AnswerJob{SubmissionID: uuid.New(), Write: write})

	w.processNext(context.Background())
	assert.Equal(t, []model.AnswerWrite{write}, store.writes)
}

func TestAutosaveWorkerRequeuesOnFailure(t *testing.T) {
	rdb := newRedis(t)
	store := &fakeAnswerStore{fail: errors.New("db down")}
	w := NewAutosaveWorker(store, rdb, zerolog.Nop())
	w.retryDelay = 0

	push(t, rdb, config.WorkerKey.PersistAnswersQueue, model.AnswerJob{SubmissionID: uuid.New()})
	w.processNext(context.Background())

	n, err := rdb.LLen(context.Background(), config.WorkerKey.PersistAnswersQueue).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAutosaveWorkerDrainsOnShutdown(t *testing.T) {
	rdb := newRedis(t)
	store := &fakeAnswerStore{}
	w := NewAutosaveWorker(store, rdb, zerolog.Nop())

	for i := 1; i <= 3; i++ {
		push(t, rdb, config.WorkerKey.PersistAnswersQueue, model.AnswerJob{
			SubmissionID: uuid.New(),
			Write:        model.AnswerWrite{QuestionID: "q1", Seq: uint64(i)},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Start(ctx)

	assert.Len(t, store.writes, 3)
}

type fakeViolationStore struct {
	mu       sync.Mutex
	copyErr  error
	copied   int
	inserted int
}

func (f *fakeViolationStore) CopyViolations(_ context.Context, batch []model.ViolationJob) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	f.copied += len(batch)
	return int64(len(batch)), nil
}

func (f *fakeViolationStore) InsertViolation(context.Context, model.ViolationJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted++
	return nil
}

func (f *fakeViolationStore) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.copied, f.inserted
}

func runViolationWorker(t *testing.T, store *fakeViolationStore, jobs int) {
	t.Helper()
	rdb := newRedis(t)
	w := NewViolationWorker(store, rdb, zerolog.Nop())
	w.batchSize = 2
	w.batchTimeout = 10 * time.Millisecond

	for i := 0; i < jobs; i++ {
		push(t, rdb, config.WorkerKey.PersistViolationsQueue, model.ViolationJob{
			SubmissionID: uuid.New(),
			Violation:    model.Violation{Type: model.ViolationCopy},
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		c, i := store.counts()
		return c+i == jobs
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestViolationWorkerCopiesBatches(t *testing.T) {
	store := &fakeViolationStore{}
	runViolationWorker(t, store, 5)

	copied, inserted := store.counts()
	assert.Equal(t, 5, copied)
	assert.Zero(t, inserted)
}

func TestViolationWorkerFallsBackToRows(t *testing.T) {
	store := &fakeViolationStore{copyErr: errors.New("copy failed")}
	runViolationWorker(t, store, 3)

	copied, inserted := store.counts()
	assert.Zero(t, copied)
	assert.Equal(t, 3, inserted)
}

type fakeFinalizer struct {
	err     error
	answers map[string]string
	trigger string
	before  func()
}

func (f *fakeFinalizer) Finalize(_ context.Context, _ uuid.UUID, answers map[string]string, _ int, trigger string, _ time.Time) error {
	if f.before != nil {
		f.before()
	}
	if f.err != nil {
		return f.err
	}
	f.answers = answers
	f.trigger = trigger
	return nil
}

func TestSubmissionWorker(t *testing.T) {
	rdb := newRedis(t)
	store := &fakeFinalizer{}
	w := NewSubmissionWorker(store, rdb, zerolog.Nop())
	w.retryDelay = 0

	push(t, rdb, config.WorkerKey.PersistSubmissionsQueue, model.SubmissionJob{
		SubmissionID: uuid.New(),
		Answers:      map[string]string{"q1": "A"},
		Trigger:      "client",
	})
	w.processNext(context.Background())
	assert.Equal(t, map[string]string{"q1": "A"}, store.answers)
	assert.Equal(t, "client", store.trigger)

	store.err = errors.New("db down")
	push(t, rdb, config.WorkerKey.PersistSubmissionsQueue, model.SubmissionJob{SubmissionID: uuid.New()})
	w.processNext(context.Background())

	n, err := rdb.LLen(context.Background(), config.WorkerKey.PersistSubmissionsQueue).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSubmissionWorkerLogsLostRequeue(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	var buf bytes.Buffer
	store := &fakeFinalizer{err: errors.New("db down"), before: mr.Close}
	w := NewSubmissionWorker(store, rdb, zerolog.New(&buf))
	w.retryDelay = 0

	id := uuid.New()
	push(t, rdb, config.WorkerKey.PersistSubmissionsQueue, model.SubmissionJob{
		SubmissionID: id,
		Answers:      map[string]string{"q1": "B"},
	})
	w.processNext(context.Background())

	var lost map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &entry))
		if entry["message"] == "Requeue failed, submission job dropped" {
			lost = entry
		}
	}
	require.NotNil(t, lost)
	assert.Equal(t, "error", lost["level"])
	assert.Equal(t, id.String(), lost["submission_id"])
	assert.Contains(t, lost["data"], `"q1":"B"`)
}

type fakeDueFinalizer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeDueFinalizer) FinalizeDue(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 1, f.err
}

func (f *fakeDueFinalizer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestForcedSubmitWorkerSweeps(t *testing.T) {
	fin := &fakeDueFinalizer{err: errors.New("redis down")}
	w := NewForcedSubmitWorker(fin, zerolog.Nop())
	w.interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	// Errors do not stop the sweep.
	assert.Eventually(t, func() bool { return fin.count() >= 3 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done
}
