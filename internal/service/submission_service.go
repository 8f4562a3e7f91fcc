package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
)

var (
	ErrExamNotFound       = errors.New("exam not found")
	ErrExamNotAvailable   = errors.New("exam is not available")
	ErrNoQuestions        = errors.New("exam has no questions")
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrNotOwner           = errors.New("submission belongs to another student")
	ErrAlreadySubmitted   = errors.New("submission is already submitted")
	ErrUnknownQuestion    = errors.New("question is not part of the exam")
	ErrSubmitInProgress   = errors.New("submit is in progress")
	ErrInvalidViolation   = errors.New("unknown violation type")
)

// Submit triggers recorded with the terminal result.
const (
	TriggerClient    = "client"
	TriggerViolation = "violation"
)

const (
	submitLockTTL = 30 * time.Second
	// forcedBatch caps the fallback finalizes handled per FinalizeDue call.
	forcedBatch = 50
)

// ExamStore reads exam definitions.
type ExamStore interface {
	GetExam(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error)
}

// SubmissionStore is the durable submission storage.
type SubmissionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Submission, error)
	GetByExamAndStudent(ctx context.Context, examID uuid.UUID, studentID int) (*model.Submission, error)
	Create(ctx context.Context, s *model.Submission) (bool, error)
	Answers(ctx context.Context, submissionID uuid.UUID) (map[string]string, error)
}

// LiveStore is the hot per-submission state.
type LiveStore interface {
	SaveAnswer(ctx context.Context, submissionID uuid.UUID, w model.AnswerWrite) (bool, uint64, error)
	Answers(ctx context.Context, submissionID uuid.UUID) (map[string]string, error)
	IncrViolations(ctx context.Context, submissionID uuid.UUID) (int, error)
	Violations(ctx context.Context, submissionID uuid.UUID) (int, error)
	AcquireSubmitLock(ctx context.Context, submissionID uuid.UUID, ttl time.Duration) (bool, error)
	ReleaseSubmitLock(ctx context.Context, submissionID uuid.UUID) error
	StoreResult(ctx context.Context, res *model.SubmitResult) error
	Result(ctx context.Context, submissionID uuid.UUID) (*model.SubmitResult, error)
	Enqueue(ctx context.Context, queue string, v interface{}) error
	Publish(ctx context.Context, examID uuid.UUID, ev repository.MonitorEvent) error
	MarkForced(ctx context.Context, submissionID uuid.UUID, due time.Time) (bool, error)
	Forced(ctx context.Context, submissionID uuid.UUID) (bool, error)
	DueForced(ctx context.Context, now time.Time, limit int64) ([]uuid.UUID, error)
	UnscheduleForced(ctx context.Context, submissionID uuid.UUID) error
}

// Policy decides when violations end a submission.
type Policy struct {
	// ViolationThreshold is the count at which a submission is forced to
	// submit. Zero disables it.
	ViolationThreshold int
	// ForcedSubmitGrace is how long a forced submission waits for the
	// client's own submit before the server finalizes the stored answers.
	ForcedSubmitGrace time.Duration
}

// SubmissionService implements the student-facing exam operations.
type SubmissionService struct {
	exams       ExamStore
	submissions SubmissionStore
	live        LiveStore
	policy      Policy
	log         zerolog.Logger

	now          func() time.Time
	pollInterval time.Duration
	pollAttempts int
}

// NewSubmissionService creates a new SubmissionService.
func NewSubmissionService(exams ExamStore, submissions SubmissionStore, live LiveStore, policy Policy, log zerolog.Logger) *SubmissionService {
	return &SubmissionService{
		exams:        exams,
		submissions:  submissions,
		live:         live,
		policy:       policy,
		log:          log.With().Str("component", "submission_service").Logger(),
		now:          time.Now,
		pollInterval: 100 * time.Millisecond,
		pollAttempts: 20,
	}
}

// GetExam returns the student-facing exam definition.
func (s *SubmissionService) GetExam(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	exam, err := s.exams.GetExam(ctx, examID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}
	return exam, nil
}

// GetSubmission returns the student's submission with its latest answers, or
// nil if the student never started the exam.
func (s *SubmissionService) GetSubmission(ctx context.Context, examID uuid.UUID, studentID int) (*model.Submission, error) {
	sub, err := s.submissions.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	if err := s.overlayLive(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// StartExam creates the student's submission, or returns the existing one.
func (s *SubmissionService) StartExam(ctx context.Context, examID uuid.UUID, studentID int) (*model.StartExamResponse, error) {
	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	existing, err := s.submissions.GetByExamAndStudent(ctx, examID, studentID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("check existing submission: %w", err)
	}
	if existing != nil {
		return s.resume(ctx, existing, now)
	}

	if !exam.IsOpen(now) {
		return nil, ErrExamNotAvailable
	}
	if len(exam.Questions) == 0 {
		return nil, ErrNoQuestions
	}

	deadline := now.Add(time.Duration(exam.DurationMinutes) * time.Minute)
	if exam.EndTime != nil && exam.EndTime.Before(deadline) {
		deadline = *exam.EndTime
	}

	sub := &model.Submission{
		ExamID:    examID,
		StudentID: studentID,
		Deadline:  deadline,
	}
	created, err := s.submissions.Create(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("create submission: %w", err)
	}
	if !created {
		// A concurrent start won the insert.
		return s.resume(ctx, sub, now)
	}

	s.publish(ctx, examID, repository.MonitorEvent{
		Type:         "join",
		SubmissionID: sub.ID,
		StudentID:    studentID,
		At:           now,
	})

	return &model.StartExamResponse{
		SubmissionID:  sub.ID,
		Status:        model.SubmissionStatusInProgress,
		Answers:       map[string]string{},
		TimeRemaining: remainingSeconds(now, deadline),
		Deadline:      deadline,
		StartedAt:     sub.StartedAt,
	}, nil
}

func (s *SubmissionService) resume(ctx context.Context, sub *model.Submission, now time.Time) (*model.StartExamResponse, error) {
	if err := s.overlayLive(ctx, sub); err != nil {
		return nil, err
	}
	return &model.StartExamResponse{
		SubmissionID:  sub.ID,
		Status:        sub.Status,
		Answers:       sub.Answers,
		TimeRemaining: remainingSeconds(now, sub.Deadline),
		Deadline:      sub.Deadline,
		StartedAt:     sub.StartedAt,
		Resumed:       true,
	}, nil
}

// overlayLive fills sub with the hot answers and status, falling back to the
// durable answers when Redis holds none.
func (s *SubmissionService) overlayLive(ctx context.Context, sub *model.Submission) error {
	res, err := s.live.Result(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("get submit result: %w", err)
	}
	if res != nil {
		sub.Status = model.SubmissionStatusSubmitted
		at := res.SubmittedAt
		sub.SubmittedAt = &at
	}

	answers, err := s.live.Answers(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("get live answers: %w", err)
	}
	if len(answers) == 0 {
		answers, err = s.submissions.Answers(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("get stored answers: %w", err)
		}
	}
	sub.Answers = answers

	if n, err := s.live.Violations(ctx, sub.ID); err == nil && n > sub.ViolationCount {
		sub.ViolationCount = n
	}
	return nil
}

// SaveAnswer applies one answer write. Older seqs are acknowledged but not stored.
func (s *SubmissionService) SaveAnswer(ctx context.Context, submissionID uuid.UUID, studentID int, w model.AnswerWrite) (*model.SaveAnswerAck, error) {
	sub, err := s.owned(ctx, submissionID, studentID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureEditable(ctx, sub); err != nil {
		return nil, err
	}

	qid, err := uuid.Parse(w.QuestionID)
	if err != nil {
		return nil, ErrUnknownQuestion
	}
	exam, err := s.GetExam(ctx, sub.ExamID)
	if err != nil {
		return nil, err
	}
	if exam.QuestionIndex(qid) < 0 {
		return nil, ErrUnknownQuestion
	}

	accepted, stored, err := s.live.SaveAnswer(ctx, submissionID, w)
	if err != nil {
		return nil, err
	}
	if accepted {
		if err := s.live.Enqueue(ctx, config.WorkerKey.PersistAnswersQueue, model.AnswerJob{SubmissionID: submissionID, Write: w}); err != nil {
			s.log.Error().Err(err).Str("submission_id", submissionID.String()).Msg("Failed to enqueue answer")
		}
		s.publish(ctx, sub.ExamID, repository.MonitorEvent{
			Type:         "answer",
			SubmissionID: submissionID,
			StudentID:    studentID,
			QuestionID:   w.QuestionID,
			At:           s.now(),
		})
	}
	return &model.SaveAnswerAck{Accepted: accepted, Seq: stored}, nil
}

func (s *SubmissionService) ensureEditable(ctx context.Context, sub *model.Submission) error {
	if sub.Status == model.SubmissionStatusSubmitted {
		return ErrAlreadySubmitted
	}
	res, err := s.live.Result(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("get submit result: %w", err)
	}
	if res != nil {
		return ErrAlreadySubmitted
	}
	return nil
}

// Submit finalizes the submission with answers merged over the stored ones.
// Replays return the first result unchanged. A submission forced by
// violations keeps the violation trigger.
func (s *SubmissionService) Submit(ctx context.Context, submissionID uuid.UUID, studentID int, answers map[string]string) (*model.SubmitResult, error) {
	sub, err := s.owned(ctx, submissionID, studentID)
	if err != nil {
		return nil, err
	}
	trigger := TriggerClient
	forced, err := s.live.Forced(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("get forced flag: %w", err)
	}
	if forced {
		trigger = TriggerViolation
	}
	return s.finalize(ctx, sub, answers, trigger)
}

// FinalizeDue finalizes forced submissions whose client never submitted
// within the grace period. It returns how many it finalized.
func (s *SubmissionService) FinalizeDue(ctx context.Context) (int, error) {
	ids, err := s.live.DueForced(ctx, s.now(), forcedBatch)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, id := range ids {
		sub, err := s.submissions.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				s.unschedule(ctx, id)
				continue
			}
			s.log.Error().Err(err).Str("submission_id", id.String()).Msg("Failed to load forced submission")
			continue
		}

		if _, err := s.finalize(ctx, sub, nil, TriggerViolation); err != nil {
			if !errors.Is(err, ErrSubmitInProgress) {
				s.log.Error().Err(err).Str("submission_id", id.String()).Msg("Forced submit failed")
			}
			continue
		}
		s.unschedule(ctx, id)
		done++
	}
	return done, nil
}

func (s *SubmissionService) unschedule(ctx context.Context, id uuid.UUID) {
	if err := s.live.UnscheduleForced(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("submission_id", id.String()).Msg("Failed to unschedule forced submit")
	}
}

func (s *SubmissionService) finalize(ctx context.Context, sub *model.Submission, answers map[string]string, trigger string) (*model.SubmitResult, error) {
	if res, err := s.live.Result(ctx, sub.ID); err != nil {
		return nil, fmt.Errorf("get submit result: %w", err)
	} else if res != nil {
		return res, nil
	}
	if sub.Status == model.SubmissionStatusSubmitted {
		at := s.now()
		if sub.SubmittedAt != nil {
			at = *sub.SubmittedAt
		}
		return &model.SubmitResult{SubmissionID: sub.ID, Status: model.SubmissionStatusSubmitted, SubmittedAt: at}, nil
	}

	locked, err := s.live.AcquireSubmitLock(ctx, sub.ID, submitLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire submit lock: %w", err)
	}
	if !locked {
		return s.awaitResult(ctx, sub.ID)
	}

	res, err := s.commit(ctx, sub, answers, trigger)
	if err != nil {
		if relErr := s.live.ReleaseSubmitLock(ctx, sub.ID); relErr != nil {
			s.log.Error().Err(relErr).Str("submission_id", sub.ID.String()).Msg("Failed to release submit lock")
		}
		return nil, err
	}
	return res, nil
}

func (s *SubmissionService) commit(ctx context.Context, sub *model.Submission, answers map[string]string, trigger string) (*model.SubmitResult, error) {
	final, err := s.live.Answers(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("get live answers: %w", err)
	}
	if final == nil {
		final = make(map[string]string, len(answers))
	}
	for q, a := range answers {
		final[q] = a
	}

	violations, err := s.live.Violations(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("get violations: %w", err)
	}

	now := s.now()
	res := &model.SubmitResult{
		SubmissionID: sub.ID,
		Status:       model.SubmissionStatusSubmitted,
		SubmittedAt:  now,
		Trigger:      trigger,
	}
	if err := s.live.StoreResult(ctx, res); err != nil {
		return nil, fmt.Errorf("store submit result: %w", err)
	}
	s.unschedule(ctx, sub.ID)

	job := model.SubmissionJob{
		SubmissionID:   sub.ID,
		Answers:        final,
		ViolationCount: violations,
		Trigger:        trigger,
		SubmittedAt:    now,
	}
	if err := s.live.Enqueue(ctx, config.WorkerKey.PersistSubmissionsQueue, job); err != nil {
		s.log.Error().Err(err).Str("submission_id", sub.ID.String()).Msg("Failed to enqueue submission")
	}

	s.publish(ctx, sub.ExamID, repository.MonitorEvent{
		Type:         "submitted",
		SubmissionID: sub.ID,
		StudentID:    sub.StudentID,
		Count:        violations,
		At:           now,
	})

	s.log.Info().
		Str("submission_id", sub.ID.String()).
		Str("trigger", trigger).
		Int("answers", len(final)).
		Msg("Submission finalized")
	return res, nil
}

// awaitResult waits briefly for a concurrent submit to publish its result.
func (s *SubmissionService) awaitResult(ctx context.Context, submissionID uuid.UUID) (*model.SubmitResult, error) {
	for i := 0; i < s.pollAttempts; i++ {
		res, err := s.live.Result(ctx, submissionID)
		if err != nil {
			return nil, fmt.Errorf("get submit result: %w", err)
		}
		if res != nil {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
	return nil, ErrSubmitInProgress
}

// ReportViolation records a violation and applies the auto-submit policy.
// Reaching the threshold only marks the submission as forced: the client is
// told to submit and its answers are kept, while FinalizeDue covers a client
// that never does.
func (s *SubmissionService) ReportViolation(ctx context.Context, examID uuid.UUID, studentID int, r model.ViolationReport) (*model.ViolationResult, error) {
	if !r.Type.Valid() {
		return nil, ErrInvalidViolation
	}
	sub, err := s.owned(ctx, r.SubmissionID, studentID)
	if err != nil {
		return nil, err
	}
	if sub.ExamID != examID {
		return nil, ErrSubmissionNotFound
	}

	if err := s.ensureEditable(ctx, sub); err != nil {
		if errors.Is(err, ErrAlreadySubmitted) {
			n, _ := s.live.Violations(ctx, sub.ID)
			return &model.ViolationResult{AutoSubmitted: true, ViolationCount: n}, nil
		}
		return nil, err
	}

	count, err := s.live.IncrViolations(ctx, sub.ID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	v := model.Violation{
		Type:          r.Type,
		Detail:        r.Detail,
		QuestionIndex: r.QuestionIndex,
		Timestamp:     r.Timestamp,
		UserAgent:     r.UserAgent,
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = now
	}
	job := model.ViolationJob{
		SubmissionID: sub.ID,
		ExamID:       examID,
		StudentID:    studentID,
		Violation:    v,
		ReceivedAt:   now,
	}
	if err := s.live.Enqueue(ctx, config.WorkerKey.PersistViolationsQueue, job); err != nil {
		s.log.Error().Err(err).Str("submission_id", sub.ID.String()).Msg("Failed to enqueue violation")
	}
	s.publish(ctx, examID, repository.MonitorEvent{
		Type:         "violation",
		SubmissionID: sub.ID,
		StudentID:    studentID,
		Violation:    string(r.Type),
		Count:        count,
		At:           now,
	})

	result := &model.ViolationResult{ViolationCount: count}
	if s.policy.ViolationThreshold > 0 && count >= s.policy.ViolationThreshold {
		marked, err := s.live.MarkForced(ctx, sub.ID, now.Add(s.policy.ForcedSubmitGrace))
		if err != nil {
			return nil, fmt.Errorf("auto-submit: %w", err)
		}
		if marked {
			s.log.Warn().
				Str("submission_id", sub.ID.String()).
				Int("violations", count).
				Msg("Violation threshold reached, submission forced")
			s.publish(ctx, examID, repository.MonitorEvent{
				Type:         "forced",
				SubmissionID: sub.ID,
				StudentID:    studentID,
				Count:        count,
				At:           now,
			})
		}
		result.AutoSubmitted = true
	}
	return result, nil
}

func (s *SubmissionService) owned(ctx context.Context, submissionID uuid.UUID, studentID int) (*model.Submission, error) {
	sub, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	if sub.StudentID != studentID {
		return nil, ErrNotOwner
	}
	return sub, nil
}

func (s *SubmissionService) publish(ctx context.Context, examID uuid.UUID, ev repository.MonitorEvent) {
	if err := s.live.Publish(ctx, examID, ev); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to publish monitor event")
	}
}

func remainingSeconds(now, deadline time.Time) float64 {
	d := deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Seconds()
}
