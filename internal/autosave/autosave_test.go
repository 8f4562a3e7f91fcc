package autosave

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-session/internal/model"
)

// lwwServer keeps the highest-seq value per question, like the collaborator.
type lwwServer struct {
	mu      sync.Mutex
	calls   []model.AnswerWrite
	stored  map[string]model.AnswerWrite
	fail    atomic.Bool
	block   chan struct{}
	blocked atomic.Int32
}

func newLWWServer() *lwwServer {
	return &lwwServer{stored: map[string]model.AnswerWrite{}}
}

func (s *lwwServer) SaveAnswer(ctx context.Context, w model.AnswerWrite) error {
	if s.block != nil {
		s.blocked.Add(1)
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, w)
	if s.fail.Load() {
		return errors.New("network unreachable")
	}
	if cur, ok := s.stored[w.QuestionID]; !ok || w.Seq > cur.Seq {
		s.stored[w.QuestionID] = w
	}
	return nil
}

func (s *lwwServer) value(q string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored[q].Value
}

func (s *lwwServer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *lwwServer) callsFor(q string) []model.AnswerWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AnswerWrite
	for _, c := range s.calls {
		if c.QuestionID == q {
			out = append(out, c)
		}
	}
	return out
}

func TestPutCoalescesRapidEdits(t *testing.T) {
	srv := newLWWServer()
	ch := New(srv, Options{Debounce: 30 * time.Millisecond}, zerolog.Nop())
	defer ch.Close()

	for _, v := range []string{"A", "B", "C", "D"} {
		_, err := ch.Put("q1", v)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return srv.callCount() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, srv.callCount())
	assert.Equal(t, "D", srv.value("q1"))
	assert.Equal(t, StateSaved, ch.Status().State)
}

func TestPutQuestionsAreIndependent(t *testing.T) {
	srv := newLWWServer()
	ch := New(srv, Options{Debounce: 20 * time.Millisecond}, zerolog.Nop())
	defer ch.Close()

	_, _ = ch.Put("q1", "A")
	_, _ = ch.Put("q2", "B")

	require.Eventually(t, func() bool { return srv.callCount() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, "A", srv.value("q1"))
	assert.Equal(t, "B", srv.value("q2"))
}

func TestPutSequenceIsMonotonic(t *testing.T) {
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ch := New(newLWWServer(), Options{Debounce: time.Hour, Now: func() time.Time { return frozen }}, zerolog.Nop())
	defer ch.Close()

	s1, _ := ch.Put("q1", "A")
	s2, _ := ch.Put("q1", "B")
	s3, _ := ch.Put("q1", "C")

	assert.Equal(t, uint64(frozen.UnixMicro()), s1)
	assert.Equal(t, s1+1, s2)
	assert.Equal(t, s2+1, s3)
}

func TestStaleDebounceCallbackDoesNotFlushNewerEdit(t *testing.T) {
	srv := newLWWServer()
	ch := New(srv, Options{Debounce: 40 * time.Millisecond}, zerolog.Nop())
	defer ch.Close()

	_, err := ch.Put("q1", "A")
	require.NoError(t, err)
	_, err = ch.Put("q1", "AB")
	require.NoError(t, err)

	// The first arm's callback already fired when the second Put re-armed.
	require.NoError(t, ch.flushQuestion(context.Background(), "q1", false, 1))
	assert.Zero(t, srv.callCount())
	assert.Equal(t, 1, ch.Status().Pending)

	require.Eventually(t, func() bool { return srv.value("q1") == "AB" }, time.Second, 5*time.Millisecond)
	assert.Len(t, srv.callsFor("q1"), 1)
}

func TestNewerEditWhileInFlightIsSentAfterwards(t *testing.T) {
	srv := newLWWServer()
	srv.block = make(chan struct{})
	ch := New(srv, Options{Debounce: 5 * time.Millisecond}, zerolog.Nop())
	defer ch.Close()

	_, _ = ch.Put("q1", "old")
	require.Eventually(t, func() bool { return srv.blocked.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateSaving, ch.Status().State)

	_, _ = ch.Put("q1", "new")
	time.Sleep(20 * time.Millisecond)
	close(srv.block)

	require.Eventually(t, func() bool { return len(srv.callsFor("q1")) == 2 }, time.Second, time.Millisecond)
	calls := srv.callsFor("q1")
	assert.Equal(t, "old", calls[0].Value)
	assert.Equal(t, "new", calls[1].Value)
	assert.Less(t, calls[0].Seq, calls[1].Seq)
	assert.Equal(t, "new", srv.value("q1"))
	assert.Equal(t, calls[1].Seq, ch.Acked("q1"))
}

func TestFlushAllSendsPendingImmediately(t *testing.T) {
	srv := newLWWServer()
	ch := New(srv, Options{Debounce: time.Hour}, zerolog.Nop())
	defer ch.Close()

	_, _ = ch.Put("q1", "A")
	_, _ = ch.Put("q2", "B")
	assert.Equal(t, 2, ch.Status().Pending)

	require.NoError(t, ch.FlushAll(context.Background()))

	assert.Equal(t, "A", srv.value("q1"))
	assert.Equal(t, "B", srv.value("q2"))
	assert.Equal(t, 0, ch.Status().Pending)

	// Nothing left to send.
	require.NoError(t, ch.FlushAll(context.Background()))
	assert.Equal(t, 2, srv.callCount())
}

func TestFailedSaveIsSurfacedAndRetriedByFlush(t *testing.T) {
	srv := newLWWServer()
	srv.fail.Store(true)
	ch := New(srv, Options{Debounce: 5 * time.Millisecond}, zerolog.Nop())
	defer ch.Close()

	_, _ = ch.Put("q1", "A")
	require.Eventually(t, func() bool { return ch.Status().State == StateFailed }, time.Second, time.Millisecond)
	assert.Equal(t, "network unreachable", ch.Status().LastError)
	assert.Equal(t, 1, ch.Status().Pending)

	err := ch.FlushAll(context.Background())
	assert.Error(t, err)

	srv.fail.Store(false)
	require.NoError(t, ch.FlushAll(context.Background()))
	assert.Equal(t, "A", srv.value("q1"))
	assert.Equal(t, StateSaved, ch.Status().State)
	assert.Equal(t, 0, ch.Status().Pending)
}

func TestFailedSaveSupersededByNewerEdit(t *testing.T) {
	srv := newLWWServer()
	srv.fail.Store(true)
	ch := New(srv, Options{Debounce: 5 * time.Millisecond}, zerolog.Nop())
	defer ch.Close()

	_, _ = ch.Put("q1", "A")
	require.Eventually(t, func() bool { return ch.Status().State == StateFailed }, time.Second, time.Millisecond)

	srv.fail.Store(false)
	_, _ = ch.Put("q1", "B")
	require.NoError(t, ch.FlushAll(context.Background()))

	calls := srv.callsFor("q1")
	assert.Equal(t, "B", calls[len(calls)-1].Value)
	assert.Equal(t, "B", srv.value("q1"))
}

func TestOnChangeReportsIndicator(t *testing.T) {
	var mu sync.Mutex
	var states []State
	srv := newLWWServer()
	ch := New(srv, Options{Debounce: time.Hour, OnChange: func(ind Indicator) {
		mu.Lock()
		states = append(states, ind.State)
		mu.Unlock()
	}}, zerolog.Nop())
	defer ch.Close()

	_, _ = ch.Put("q1", "A")
	require.NoError(t, ch.FlushAll(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateIdle, StateSaving, StateSaved}, states)
}

func TestCloseIsIdempotentAndRejectsPuts(t *testing.T) {
	srv := newLWWServer()
	ch := New(srv, Options{Debounce: 5 * time.Millisecond}, zerolog.Nop())

	_, _ = ch.Put("q1", "A")
	ch.Close()
	ch.Close()

	_, err := ch.Put("q1", "B")
	assert.ErrorIs(t, err, ErrClosed)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, srv.callCount())
}
