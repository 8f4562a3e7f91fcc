// Package autosave decouples rapid answer edits from network writes.
//
// Edits are coalesced per question: only the latest value is persisted once
// the debounce window passes without another edit to that question. At most
// one write per question is in flight, and every write carries a sequence
// number so the server can keep the newest value even if deliveries reorder.
package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stemsi/exstem-session/internal/model"
)

// DefaultDebounce is the quiet period before an edit is persisted.
const DefaultDebounce = 2 * time.Second

// ErrClosed is returned by Put after Close.
var ErrClosed = errors.New("autosave: channel closed")

// Persister writes one answer to the server. Implementations must be safe to
// retry; the server keeps the write with the highest Seq.
type Persister interface {
	SaveAnswer(ctx context.Context, w model.AnswerWrite) error
}

// State is the coarse save indicator shown to the candidate.
type State string

const (
	StateIdle   State = "idle"
	StateSaving State = "saving"
	StateSaved  State = "saved"
	StateFailed State = "failed"
)

// Indicator is a point-in-time view of the channel.
type Indicator struct {
	State     State  `json:"state"`
	Pending   int    `json:"pending"`
	LastError string `json:"last_error,omitempty"`
}

// Options tunes a channel.
type Options struct {
	Debounce time.Duration
	// CallTimeout bounds a single persist call. Zero leaves it to the persister.
	CallTimeout time.Duration
	Now         func() time.Time
	// OnChange is called after every indicator change, outside internal locks.
	OnChange func(Indicator)
}

type slot struct {
	seq     uint64
	acked   uint64
	pending *model.AnswerWrite
	// failed holds the newest write whose persist failed; only FlushAll retries it.
	failed *model.AnswerWrite
	timer  *time.Timer
	// armed counts debounce arms. A timer callback that fires after a re-arm
	// carries an old value and must not flush.
	armed uint64
	// send serializes persist calls for this question.
	send sync.Mutex
}

// Channel is the autosave write buffer for one submission.
type Channel struct {
	persister Persister
	opts      Options
	log       zerolog.Logger

	mu        sync.Mutex
	slots     map[string]*slot
	inflight  int
	indicator Indicator
	closed    bool
}

// New creates a channel. persister must not be nil.
func New(persister Persister, opts Options, log zerolog.Logger) *Channel {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Channel{
		persister: persister,
		opts:      opts,
		log:       log.With().Str("component", "autosave").Logger(),
		slots:     make(map[string]*slot),
		indicator: Indicator{State: StateIdle},
	}
}

// Put records an edit and (re)arms the question's debounce timer.
// It returns the sequence number assigned to the edit.
func (c *Channel) Put(questionID, value string) (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	s := c.slotLocked(questionID)

	// Wall-clock seeded so a restarted agent never reuses a lower seq than
	// one the server already holds for this question.
	seq := s.seq + 1
	if ts := uint64(c.opts.Now().UnixMicro()); ts > seq {
		seq = ts
	}
	s.seq = seq
	s.pending = &model.AnswerWrite{QuestionID: questionID, Value: value, Seq: seq}
	s.failed = nil

	if s.timer != nil {
		s.timer.Stop()
	}
	s.armed++
	gen := s.armed
	s.timer = time.AfterFunc(c.opts.Debounce, func() {
		c.flushQuestion(context.Background(), questionID, false, gen)
	})
	ind := c.refreshLocked()
	c.mu.Unlock()

	c.notify(ind)
	return seq, nil
}

// FlushAll cancels every debounce timer and persists every unsent value,
// including values whose earlier persist failed. It waits for completion and
// returns the joined persist errors.
func (c *Channel) FlushAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.slots))
	for id, s := range c.slots {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		if s.pending != nil || s.failed != nil {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := c.flushQuestion(gctx, id, true, 0); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// flushQuestion sends the newest unsent value of one question. Because the
// value is read after acquiring the per-question send lock, an older value
// can never be sent after a newer one. A non-zero gen is the debounce arm
// that scheduled the call; it is a no-op once the question was re-armed.
func (c *Channel) flushQuestion(ctx context.Context, questionID string, includeFailed bool, gen uint64) error {
	c.mu.Lock()
	s, ok := c.slots[questionID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	s.send.Lock()
	defer s.send.Unlock()

	c.mu.Lock()
	if gen != 0 && gen != s.armed {
		c.mu.Unlock()
		return nil
	}
	w := s.pending
	if w == nil && includeFailed {
		w = s.failed
	}
	if w == nil {
		c.mu.Unlock()
		return nil
	}
	if s.pending == w {
		s.pending = nil
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	}
	if s.failed == w {
		s.failed = nil
	}
	c.inflight++
	ind := c.refreshLocked()
	c.mu.Unlock()
	c.notify(ind)

	callCtx := ctx
	if c.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}
	err := c.persister.SaveAnswer(callCtx, *w)

	c.mu.Lock()
	c.inflight--
	if err != nil {
		// Keep it for the submit-time flush unless a newer edit superseded it.
		if s.pending == nil && w.Seq > s.acked && (s.failed == nil || s.failed.Seq < w.Seq) {
			s.failed = w
		}
		c.indicator.State = StateFailed
		c.indicator.LastError = err.Error()
	} else {
		if w.Seq > s.acked {
			s.acked = w.Seq
		}
		c.indicator.State = StateSaved
		c.indicator.LastError = ""
	}
	ind = c.refreshLocked()
	c.mu.Unlock()
	c.notify(ind)

	if err != nil {
		c.log.Warn().Err(err).
			Str("question_id", questionID).
			Uint64("seq", w.Seq).
			Msg("Autosave failed")
		return err
	}
	c.log.Debug().Str("question_id", questionID).Uint64("seq", w.Seq).Msg("Answer saved")
	return nil
}

// Acked returns the highest sequence number the server acknowledged for a question.
func (c *Channel) Acked(questionID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[questionID]; ok {
		return s.acked
	}
	return 0
}

// Status returns the current save indicator.
func (c *Channel) Status() Indicator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.indicator
}

// Close cancels every debounce timer and drops unsent values. Callers that
// need the values persisted call FlushAll first. Close is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for _, s := range c.slots {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.pending = nil
	}
}

func (c *Channel) slotLocked(questionID string) *slot {
	s, ok := c.slots[questionID]
	if !ok {
		s = &slot{}
		c.slots[questionID] = s
	}
	return s
}

// refreshLocked recomputes the derived indicator fields.
func (c *Channel) refreshLocked() Indicator {
	pending := 0
	for _, s := range c.slots {
		if s.pending != nil || s.failed != nil {
			pending++
		}
	}
	c.indicator.Pending = pending
	if c.inflight > 0 {
		c.indicator.State = StateSaving
	} else if c.indicator.State == StateSaving {
		c.indicator.State = StateSaved
	}
	return c.indicator
}

func (c *Channel) notify(ind Indicator) {
	if c.opts.OnChange != nil {
		c.opts.OnChange(ind)
	}
}
