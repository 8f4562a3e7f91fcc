package session

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stemsi/exstem-session/internal/examapi"
	"github.com/stemsi/exstem-session/internal/model"
)

// RetryPolicy bounds the submit retries. After MaxElapsed the controller
// stops retrying, stays in submitting and reports SubmitFailed.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	Multiplier      float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 15 * time.Second
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = 2 * time.Minute
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsed
	b.Multiplier = p.Multiplier
	return backoff.WithContext(b, ctx)
}

// Submit moves the session to submitting and waits for the server to accept
// the submission. Concurrent and repeated calls share one submission: only
// the first trigger is recorded and at most one submit call is in flight per
// submission id. A manual trigger after a permanent failure starts a new
// round of retries.
func (c *Controller) Submit(ctx context.Context, trigger Trigger) (*model.SubmitResult, error) {
	c.begin(trigger)

	c.mu.Lock()
	switch c.status {
	case model.SubmissionStatusNotStarted:
		c.mu.Unlock()
		return nil, ErrNotStarted
	case model.SubmissionStatusSubmitted:
		res := c.result
		c.mu.Unlock()
		return res, nil
	}
	if c.submitFailed {
		if trigger != TriggerManual {
			lastErr := c.lastErr
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrSubmitFailed, lastErr)
		}
		c.submitFailed = false
	}
	key := c.submissionID.String()
	c.mu.Unlock()
	c.publish()

	ch := c.flight.DoChan(key, func() (interface{}, error) {
		return c.runSubmit()
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*model.SubmitResult), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RetrySubmit restarts the retries after a permanent submit failure.
func (c *Controller) RetrySubmit(ctx context.Context) (*model.SubmitResult, error) {
	return c.Submit(ctx, TriggerManual)
}

// begin performs in_progress → submitting. It reports whether this call
// made the transition; only the first trigger does.
func (c *Controller) begin(trigger Trigger) bool {
	c.mu.Lock()
	if c.status != model.SubmissionStatusInProgress {
		c.mu.Unlock()
		return false
	}
	c.status = model.SubmissionStatusSubmitting
	c.trigger = trigger
	ticker := c.ticker
	id := c.submissionID
	c.mu.Unlock()

	// The countdown has nothing left to decide.
	ticker.Stop()
	c.log.Info().Str("submission_id", id.String()).Str("trigger", string(trigger)).Msg("Submitting exam")
	c.publish()
	return true
}

// triggerAsync starts a submit from a background event (tick, violation).
func (c *Controller) triggerAsync(trigger Trigger) {
	if !c.begin(trigger) {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if _, err := c.Submit(c.ctx, trigger); err != nil {
			c.log.Error().Err(err).Str("trigger", string(trigger)).Msg("Automatic submit did not complete")
		}
	}()
}

// runSubmit flushes autosave and sends the complete answer map, retrying
// transient failures. It runs inside the single-flight group.
func (c *Controller) runSubmit() (*model.SubmitResult, error) {
	c.mu.Lock()
	if c.status == model.SubmissionStatusSubmitted {
		res := c.result
		c.mu.Unlock()
		return res, nil
	}
	if c.submitFailed {
		lastErr := c.lastErr
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSubmitFailed, lastErr)
	}
	id := c.submissionID
	saver := c.saver
	c.mu.Unlock()

	log := c.log.With().Str("submission_id", id.String()).Logger()

	if saver != nil {
		if err := saver.FlushAll(c.ctx); err != nil {
			// The submit below carries every answer anyway.
			log.Warn().Err(err).Msg("Autosave flush before submit failed")
		}
	}

	c.mu.Lock()
	answers := make(map[string]string, len(c.answers))
	for q, v := range c.answers {
		answers[q] = v
	}
	c.mu.Unlock()

	var (
		res     *model.SubmitResult
		attempt int
	)
	op := func() error {
		attempt++
		r, err := c.api.SubmitExam(c.ctx, id, answers)
		if err == nil {
			res = r
			return nil
		}
		if examapi.IsConflict(err) {
			log.Info().Msg("Server reports submission already submitted")
			res = &model.SubmitResult{SubmissionID: id, Status: model.SubmissionStatusSubmitted, SubmittedAt: c.opts.Now()}
			return nil
		}
		if !examapi.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("Submit failed, retrying")
		c.mu.Lock()
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.publish()
	}

	err := backoff.RetryNotify(op, c.opts.Retry.backOff(c.ctx), notify)
	if err != nil {
		c.mu.Lock()
		c.submitFailed = true
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.publish()
		log.Error().Err(err).Int("attempts", attempt).Msg("Submit failed permanently")
		return nil, fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}

	if res == nil {
		res = &model.SubmitResult{SubmissionID: id}
	}
	res.Status = model.SubmissionStatusSubmitted
	if res.SubmittedAt.IsZero() {
		res.SubmittedAt = c.opts.Now()
	}

	c.mu.Lock()
	c.status = model.SubmissionStatusSubmitted
	c.result = res
	c.submitFailed = false
	c.lastErr = ""
	c.mu.Unlock()

	c.releaseResources()
	c.publish()
	log.Info().Int("attempts", attempt).Msg("Exam submitted")
	return res, nil
}
