// Package session drives one candidate's attempt at one exam.
//
// The Controller owns the submission state machine
// (not_started → in_progress → submitting → submitted) and the session's
// resources: the countdown ticker, the autosave channel and the integrity
// monitor. Submission happens at most once per submission id no matter how
// many triggers (expiry, violations, the candidate) race for it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/stemsi/exstem-session/internal/autosave"
	"github.com/stemsi/exstem-session/internal/clock"
	"github.com/stemsi/exstem-session/internal/examapi"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/monitor"
)

var (
	ErrNotStarted       = errors.New("session: not started")
	ErrAlreadyStarted   = errors.New("session: already started")
	ErrNotEditable      = errors.New("session: answers are no longer editable")
	ErrExamNotAvailable = errors.New("session: exam is not available")
	ErrSubmitFailed     = errors.New("session: submit failed")
	ErrClosed           = errors.New("session: closed")
)

// API is the collaborator the controller talks to.
type API interface {
	GetSubmission(ctx context.Context, examID uuid.UUID) (*model.Submission, error)
	StartExam(ctx context.Context, examID uuid.UUID) (*model.StartExamResponse, error)
	SaveAnswer(ctx context.Context, submissionID uuid.UUID, w model.AnswerWrite) (*model.SaveAnswerAck, error)
	SubmitExam(ctx context.Context, submissionID uuid.UUID, answers map[string]string) (*model.SubmitResult, error)
	ReportViolation(ctx context.Context, examID, submissionID uuid.UUID, v model.Violation) (*model.ViolationResult, error)
}

// Trigger names what started a submission.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerExpired   Trigger = "expired"
	TriggerViolation Trigger = "violation"
	// TriggerServer means the collaborator closed the submission on its own.
	TriggerServer Trigger = "server"
)

// Options tunes a controller. Zero values fall back to defaults.
type Options struct {
	TickInterval time.Duration
	Autosave     autosave.Options
	// Sources are attached to the integrity monitor when the session starts.
	Sources []monitor.SignalSource
	Monitor monitor.Options
	// LocalViolationThreshold, when positive, submits once the local count
	// reaches it even if the server never sets auto_submitted.
	LocalViolationThreshold int
	ReportTimeout           time.Duration
	Retry                   RetryPolicy
	Now                     func() time.Time
}

// Snapshot is the read-only view the presentation layer renders.
type Snapshot struct {
	ExamID               uuid.UUID              `json:"exam_id"`
	SubmissionID         uuid.UUID              `json:"submission_id"`
	Status               model.SubmissionStatus `json:"status"`
	Remaining            clock.Countdown        `json:"remaining"`
	ElapsedSeconds       int                    `json:"elapsed_seconds"`
	ExpiredPendingSubmit bool                   `json:"expired_pending_submit"`
	Answers              map[string]string      `json:"answers"`
	QuestionIndex        int                    `json:"question_index"`
	ViolationCount       int                    `json:"violation_count"`
	Save                 autosave.Indicator     `json:"save"`
	Trigger              Trigger                `json:"trigger,omitempty"`
	SubmitFailed         bool                   `json:"submit_failed"`
	LastError            string                 `json:"last_error,omitempty"`
	SubmittedAt          *time.Time             `json:"submitted_at,omitempty"`
	Resumed              bool                   `json:"resumed"`
	ViewResults          bool                   `json:"view_results"`
}

// Controller is the session state machine for one exam attempt.
type Controller struct {
	api  API
	opts Options
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	flight singleflight.Group

	startMu sync.Mutex

	mu             sync.Mutex
	examID         uuid.UUID
	submissionID   uuid.UUID
	status         model.SubmissionStatus
	deadline       time.Time
	startedAt      time.Time
	answers        map[string]string
	questionIndex  int
	violationCount int
	trigger        Trigger
	submitFailed   bool
	lastErr        string
	result         *model.SubmitResult
	resumed        bool
	viewResults    bool
	closed         bool

	ticker  *clock.Ticker
	saver   *autosave.Channel
	monitor *monitor.Handle

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}

	closeOnce sync.Once
}

// New creates a controller in the not_started state.
func New(api API, opts Options, log zerolog.Logger) *Controller {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.ReportTimeout <= 0 {
		opts.ReportTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Retry = opts.Retry.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		api:     api,
		opts:    opts,
		log:     log.With().Str("component", "session").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		status:  model.SubmissionStatusNotStarted,
		answers: make(map[string]string),
		subs:    make(map[chan Snapshot]struct{}),
	}
}

// Start opens the exam. An existing submission is resumed with its saved
// answers; an already submitted one goes straight to view-results without
// submitting again. Exams outside their window return ErrExamNotAvailable and
// leave the controller in not_started.
func (c *Controller) Start(ctx context.Context, examID uuid.UUID) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status != model.SubmissionStatusNotStarted {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.mu.Unlock()

	log := c.log.With().Str("exam_id", examID.String()).Logger()

	existing, err := c.api.GetSubmission(ctx, examID)
	if err != nil {
		// Start is idempotent on the server and returns the same submission.
		log.Warn().Err(err).Msg("Failed to look up existing submission")
		existing = nil
	}
	if existing != nil && existing.Status == model.SubmissionStatusSubmitted {
		c.finishAsSubmitted(examID, existing)
		log.Info().Str("submission_id", existing.ID.String()).Msg("Exam already submitted, showing results")
		return nil
	}

	res, err := c.api.StartExam(ctx, examID)
	if err != nil {
		if examapi.IsNotAvailable(err) {
			return fmt.Errorf("%w: %v", ErrExamNotAvailable, err)
		}
		return fmt.Errorf("start exam: %w", err)
	}
	if res.Status == model.SubmissionStatusSubmitted {
		c.finishAsSubmitted(examID, &model.Submission{
			ID:      res.SubmissionID,
			ExamID:  examID,
			Status:  res.Status,
			Answers: res.Answers,
		})
		log.Info().Str("submission_id", res.SubmissionID.String()).Msg("Exam already submitted, showing results")
		return nil
	}

	now := c.opts.Now()
	// The earlier of the absolute deadline and now+remaining wins, so a skewed
	// local clock can only shorten the session.
	deadline := res.Deadline
	if res.TimeRemaining > 0 || deadline.IsZero() {
		byRemaining := now.Add(time.Duration(res.TimeRemaining * float64(time.Second)))
		if deadline.IsZero() || byRemaining.Before(deadline) {
			deadline = byRemaining
		}
	}

	c.mu.Lock()
	c.examID = examID
	c.submissionID = res.SubmissionID
	c.deadline = deadline
	c.startedAt = res.StartedAt
	if c.startedAt.IsZero() {
		c.startedAt = now
	}
	c.resumed = res.Resumed || existing != nil
	if existing != nil {
		for q, v := range existing.Answers {
			c.answers[q] = v
		}
		c.violationCount = existing.ViolationCount
	}
	for q, v := range res.Answers {
		c.answers[q] = v
	}
	c.status = model.SubmissionStatusInProgress
	resumed, answered := c.resumed, len(c.answers)

	saverOpts := c.opts.Autosave
	saverOpts.Now = c.opts.Now
	saverOpts.OnChange = func(autosave.Indicator) { c.publish() }
	c.saver = autosave.New(&answerPersister{c: c, submissionID: res.SubmissionID}, saverOpts, c.log)
	c.ticker = clock.NewTicker(c.opts.TickInterval, c.Tick)
	c.mu.Unlock()

	monOpts := c.opts.Monitor
	monOpts.QuestionIndex = c.currentQuestion
	handle, err := monitor.Start(c.opts.Sources, c.onViolation, monOpts, c.log)
	if err != nil {
		log.Error().Err(err).Msg("Integrity monitor failed to start")
	} else {
		c.mu.Lock()
		live := c.status == model.SubmissionStatusInProgress && !c.closed
		if live {
			c.monitor = handle
		}
		c.mu.Unlock()
		if !live {
			handle.Stop()
		}
	}

	log.Info().
		Str("submission_id", res.SubmissionID.String()).
		Time("deadline", deadline).
		Bool("resumed", resumed).
		Int("answers", answered).
		Msg("Exam session started")

	c.Tick(now)
	c.publish()
	return nil
}

func (c *Controller) finishAsSubmitted(examID uuid.UUID, sub *model.Submission) {
	c.mu.Lock()
	c.examID = examID
	c.submissionID = sub.ID
	c.status = model.SubmissionStatusSubmitted
	c.viewResults = true
	c.violationCount = sub.ViolationCount
	for q, v := range sub.Answers {
		c.answers[q] = v
	}
	res := &model.SubmitResult{SubmissionID: sub.ID, Status: model.SubmissionStatusSubmitted}
	if sub.SubmittedAt != nil {
		res.SubmittedAt = *sub.SubmittedAt
	}
	c.result = res
	c.mu.Unlock()
	c.publish()
}

// SetAnswer records an answer and queues it for autosave. It fails with
// ErrNotEditable once the session has left in_progress.
func (c *Controller) SetAnswer(questionID, value string) error {
	c.mu.Lock()
	if c.status != model.SubmissionStatusInProgress {
		c.mu.Unlock()
		return ErrNotEditable
	}
	c.answers[questionID] = value
	saver := c.saver
	c.mu.Unlock()

	if _, err := saver.Put(questionID, value); err != nil && !errors.Is(err, autosave.ErrClosed) {
		return err
	}
	c.publish()
	return nil
}

// Flush sends every pending answer edit now. Calling it before Close keeps a
// shutdown from dropping edits still inside the debounce window.
func (c *Controller) Flush(ctx context.Context) error {
	c.mu.Lock()
	saver := c.saver
	c.mu.Unlock()
	if saver == nil {
		return nil
	}
	if err := saver.FlushAll(ctx); err != nil && !errors.Is(err, autosave.ErrClosed) {
		return err
	}
	return nil
}

// SetQuestionIndex records which question the candidate is looking at.
func (c *Controller) SetQuestionIndex(i int) {
	if i < 0 {
		i = 0
	}
	c.mu.Lock()
	c.questionIndex = i
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) currentQuestion() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.questionIndex
}

// Tick evaluates the countdown at now and starts the submit once time is up.
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	if c.status != model.SubmissionStatusInProgress {
		c.mu.Unlock()
		return
	}
	expired := clock.RemainingAt(now, c.deadline).Expired
	id := c.submissionID
	c.mu.Unlock()

	if expired {
		c.log.Info().Str("submission_id", id.String()).Msg("Time is up, submitting")
		c.triggerAsync(TriggerExpired)
		return
	}
	c.publish()
}

// HandleViolation counts a violation, reports it and honors the server's
// auto-submit decision. Violations after the session left in_progress are ignored.
func (c *Controller) HandleViolation(ctx context.Context, v model.Violation) (*model.ViolationResult, error) {
	c.mu.Lock()
	if c.status != model.SubmissionStatusInProgress {
		c.mu.Unlock()
		return nil, nil
	}
	c.violationCount++
	count := c.violationCount
	examID, submissionID := c.examID, c.submissionID
	c.mu.Unlock()
	c.publish()

	log := c.log.With().
		Str("submission_id", submissionID.String()).
		Str("type", string(v.Type)).
		Int("violation_count", count).
		Logger()
	log.Warn().Msg("Integrity violation detected")

	res, err := c.api.ReportViolation(ctx, examID, submissionID, v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to report violation")
	} else {
		c.mu.Lock()
		if res.ViolationCount > c.violationCount {
			c.violationCount = res.ViolationCount
		}
		count = c.violationCount
		c.mu.Unlock()
	}

	switch {
	case res != nil && res.AutoSubmitted:
		log.Warn().Msg("Server forced auto-submit")
		c.triggerAsync(TriggerViolation)
	case c.opts.LocalViolationThreshold > 0 && count >= c.opts.LocalViolationThreshold:
		log.Warn().Int("threshold", c.opts.LocalViolationThreshold).Msg("Local violation threshold reached")
		c.triggerAsync(TriggerViolation)
	}

	if err != nil {
		return nil, fmt.Errorf("report violation: %w", err)
	}
	return res, nil
}

func (c *Controller) onViolation(v model.Violation) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ReportTimeout)
	defer cancel()
	_, _ = c.HandleViolation(ctx, v)
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	var save autosave.Indicator
	c.mu.Lock()
	saver := c.saver
	c.mu.Unlock()
	if saver != nil {
		save = saver.Status()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	answers := make(map[string]string, len(c.answers))
	for q, v := range c.answers {
		answers[q] = v
	}
	s := Snapshot{
		ExamID:         c.examID,
		SubmissionID:   c.submissionID,
		Status:         c.status,
		Remaining:      clock.RemainingAt(c.opts.Now(), c.deadline),
		ElapsedSeconds: clock.Elapsed(c.opts.Now(), c.startedAt),
		Answers:        answers,
		QuestionIndex:  c.questionIndex,
		ViolationCount: c.violationCount,
		Save:           save,
		Trigger:        c.trigger,
		SubmitFailed:   c.submitFailed,
		LastError:      c.lastErr,
		Resumed:        c.resumed,
		ViewResults:    c.viewResults,
	}
	if c.status == model.SubmissionStatusSubmitted {
		s.Remaining = clock.Remaining(c.opts.Now(), nil)
	}
	s.ExpiredPendingSubmit = c.status == model.SubmissionStatusInProgress && s.Remaining.Expired
	if c.result != nil && !c.result.SubmittedAt.IsZero() {
		at := c.result.SubmittedAt
		s.SubmittedAt = &at
		s.ElapsedSeconds = clock.Elapsed(at, c.startedAt)
	}
	return s
}

// Subscribe returns a channel that receives the latest snapshot after every
// change. Slow readers only miss intermediate snapshots. The returned
// function unsubscribes.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	c.subMu.Lock()
	if c.subs == nil {
		c.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			if _, ok := c.subs[ch]; ok {
				delete(c.subs, ch)
				close(ch)
			}
			c.subMu.Unlock()
		})
	}
}

func (c *Controller) publish() {
	s := c.Snapshot()
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// Close tears the session down: stops the ticker, the monitor and the
// autosave timers, and cancels any submit still retrying. Close is idempotent.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.cancel()
		c.releaseResources()
		c.wg.Wait()

		c.subMu.Lock()
		for ch := range c.subs {
			close(ch)
		}
		c.subs = nil
		c.subMu.Unlock()

		c.log.Debug().Msg("Session closed")
	})
}

func (c *Controller) releaseResources() {
	c.mu.Lock()
	ticker, saver, mon := c.ticker, c.saver, c.monitor
	c.mu.Unlock()

	ticker.Stop()
	mon.Stop()
	if saver != nil {
		saver.Close()
	}
}

type answerPersister struct {
	c            *Controller
	submissionID uuid.UUID
}

func (p *answerPersister) SaveAnswer(ctx context.Context, w model.AnswerWrite) error {
	_, err := p.c.api.SaveAnswer(ctx, p.submissionID, w)
	if examapi.IsConflict(err) {
		p.c.log.Warn().Str("submission_id", p.submissionID.String()).Msg("Submission closed by server")
		p.c.triggerAsync(TriggerServer)
	}
	return err
}
