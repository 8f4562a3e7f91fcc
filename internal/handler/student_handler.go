package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/validator"
)

// SubmissionService is the student exam API the handler serves.
type SubmissionService interface {
	GetExam(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error)
	StartExam(ctx context.Context, examID uuid.UUID, studentID int) (*model.StartExamResponse, error)
	GetSubmission(ctx context.Context, examID uuid.UUID, studentID int) (*model.Submission, error)
	SaveAnswer(ctx context.Context, submissionID uuid.UUID, studentID int, w model.AnswerWrite) (*model.SaveAnswerAck, error)
	Submit(ctx context.Context, submissionID uuid.UUID, studentID int, answers map[string]string) (*model.SubmitResult, error)
	ReportViolation(ctx context.Context, examID uuid.UUID, studentID int, r model.ViolationReport) (*model.ViolationResult, error)
}

// StudentHandler handles the student exam session endpoints.
type StudentHandler struct {
	svc SubmissionService
	log zerolog.Logger
}

// NewStudentHandler creates a new StudentHandler.
func NewStudentHandler(svc SubmissionService, log zerolog.Logger) *StudentHandler {
	return &StudentHandler{
		svc: svc,
		log: log.With().Str("component", "student_handler").Logger(),
	}
}

// GetExam godoc
// GET /api/v1/student/exams/:exam_id
// Returns the exam definition without answer keys.
func (h *StudentHandler) GetExam(c *gin.Context) {
	examID, ok := parseID(c, "exam_id")
	if !ok {
		return
	}

	exam, err := h.svc.GetExam(c.Request.Context(), examID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, exam)
}

// StartExam godoc
// POST /api/v1/student/exams/:exam_id/start
// Creates the student's submission, or returns the existing one.
func (h *StudentHandler) StartExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := parseID(c, "exam_id")
	if !ok {
		return
	}

	res, err := h.svc.StartExam(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	response.Success(c, status, res)
}

// GetSubmission godoc
// GET /api/v1/student/exams/:exam_id/submission
// Returns the student's submission, or null if the exam was never started.
func (h *StudentHandler) GetSubmission(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := parseID(c, "exam_id")
	if !ok {
		return
	}

	sub, err := h.svc.GetSubmission(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, sub)
}

// SaveAnswer godoc
// PUT /api/v1/student/submissions/:submission_id/answers/:question_id
// Stores one answer; the highest seq per question wins.
func (h *StudentHandler) SaveAnswer(c *gin.Context) {
	claims := middleware.GetClaims(c)
	submissionID, ok := parseID(c, "submission_id")
	if !ok {
		return
	}

	var req model.SaveAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	w := model.AnswerWrite{QuestionID: c.Param("question_id"), Value: req.Value, Seq: req.Seq}
	ack, err := h.svc.SaveAnswer(c.Request.Context(), submissionID, claims.UserID, w)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, ack)
}

// Submit godoc
// POST /api/v1/student/submissions/:submission_id/submit
// Finalizes the submission. Replays return the first result.
func (h *StudentHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)
	submissionID, ok := parseID(c, "submission_id")
	if !ok {
		return
	}

	// The idempotency key, when sent, must name the same submission.
	if key := c.GetHeader("Idempotency-Key"); key != "" && key != submissionID.String() {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidPayload)
		return
	}

	var req model.SubmitRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.svc.Submit(c.Request.Context(), submissionID, claims.UserID, req.Answers)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// ReportViolation godoc
// POST /api/v1/student/exams/:exam_id/violations
// Records a violation. auto_submitted tells the client the exam was force-submitted.
func (h *StudentHandler) ReportViolation(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := parseID(c, "exam_id")
	if !ok {
		return
	}

	var req model.ViolationReport
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.svc.ReportViolation(c.Request.Context(), examID, claims.UserID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}

// fail maps service errors to response codes.
func (h *StudentHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrExamNotFound), errors.Is(err, service.ErrSubmissionNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrNotOwner):
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
	case errors.Is(err, service.ErrExamNotAvailable):
		response.Fail(c, http.StatusForbidden, response.ErrExamNotAvailable)
	case errors.Is(err, service.ErrNoQuestions):
		response.Fail(c, http.StatusUnprocessableEntity, response.ErrNoQuestions)
	case errors.Is(err, service.ErrAlreadySubmitted):
		response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)
	case errors.Is(err, service.ErrUnknownQuestion):
		response.Fail(c, http.StatusBadRequest, response.ErrUnknownQuestion)
	case errors.Is(err, service.ErrInvalidViolation):
		response.Fail(c, http.StatusBadRequest, response.ErrValidation)
	case errors.Is(err, service.ErrSubmitInProgress):
		response.FailRetryAfter(c, http.StatusServiceUnavailable, response.ErrSubmitInProgress, time.Second)
	default:
		h.log.Error().Err(err).
			Str("request_id", response.RequestID(c)).
			Str("path", c.FullPath()).
			Msg("Request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}
