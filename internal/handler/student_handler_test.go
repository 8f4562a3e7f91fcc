package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/validator"
)

type fakeService struct {
	err        error
	start      *model.StartExamResponse
	sub        *model.Submission
	lastWrite  model.AnswerWrite
	lastSubmit map[string]string
	lastReport model.ViolationReport
	studentID  int
}

func (f *fakeService) GetExam(_ context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.ExamDefinition{ID: examID, Title: "Physics"}, nil
}

func (f *fakeService) StartExam(_ context.Context, _ uuid.UUID, studentID int) (*model.StartExamResponse, error) {
	f.studentID = studentID
	return f.start, f.err
}

func (f *fakeService) GetSubmission(_ context.Context, _ uuid.UUID, studentID int) (*model.Submission, error) {
	f.studentID = studentID
	return f.sub, f.err
}

func (f *fakeService) SaveAnswer(_ context.Context, _ uuid.UUID, studentID int, w model.AnswerWrite) (*model.SaveAnswerAck, error) {
	f.studentID = studentID
	f.lastWrite = w
	if f.err != nil {
		return nil, f.err
	}
	return &model.SaveAnswerAck{Accepted: true, Seq: w.Seq}, nil
}

func (f *fakeService) Submit(_ context.Context, submissionID uuid.UUID, _ int, answers map[string]string) (*model.SubmitResult, error) {
	f.lastSubmit = answers
	if f.err != nil {
		return nil, f.err
	}
	return &model.SubmitResult{SubmissionID: submissionID, Status: model.SubmissionStatusSubmitted}, nil
}

func (f *fakeService) ReportViolation(_ context.Context, _ uuid.UUID, _ int, r model.ViolationReport) (*model.ViolationResult, error) {
	f.lastReport = r
	if f.err != nil {
		return nil, f.err
	}
	return &model.ViolationResult{AutoSubmitted: true, ViolationCount: 3}, nil
}

const testSecret = "handler-secret"

func newTestServer(t *testing.T, svc *fakeService) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	validator.Setup()

	auth := service.NewAuthService(testSecret)
	token, err := auth.IssueStudentToken(42, time.Hour)
	require.NoError(t, err)

	h := NewStudentHandler(svc, zerolog.Nop())
	r := gin.New()
	g := r.Group("/student", middleware.RequireStudentJWT(auth))
	g.GET("/exams/:exam_id", h.GetExam)
	g.POST("/exams/:exam_id/start", h.StartExam)
	g.GET("/exams/:exam_id/submission", h.GetSubmission)
	g.POST("/exams/:exam_id/violations", h.ReportViolation)
	g.PUT("/submissions/:submission_id/answers/:question_id", h.SaveAnswer)
	g.POST("/submissions/:submission_id/submit", h.Submit)
	return r, token
}

func do(r *gin.Engine, token, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) (json.RawMessage, *response.ErrorBody) {
	t.Helper()
	var env struct {
		Data  json.RawMessage     `json:"data"`
		Error *response.ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Data, env.Error
}

func TestStartExamStatusCodes(t *testing.T) {
	svc := &fakeService{start: &model.StartExamResponse{SubmissionID: uuid.New(), Status: model.SubmissionStatusInProgress}}
	r, token := newTestServer(t, svc)
	path := "/student/exams/" + uuid.NewString() + "/start"

	w := do(r, token, http.MethodPost, path, "")
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, 42, svc.studentID)

	svc.start.Resumed = true
	w = do(r, token, http.MethodPost, path, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetSubmissionNull(t *testing.T) {
	r, token := newTestServer(t, &fakeService{})

	w := do(r, token, http.MethodGet, "/student/exams/"+uuid.NewString()+"/submission", "")
	require.Equal(t, http.StatusOK, w.Code)
	data, _ := decode(t, w)
	assert.Equal(t, "null", string(data))
}

func TestSaveAnswerBinding(t *testing.T) {
	svc := &fakeService{}
	r, token := newTestServer(t, svc)
	path := "/student/submissions/" + uuid.NewString() + "/answers/q-1"

	w := do(r, token, http.MethodPut, path, `{"value":"B","seq":9}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.AnswerWrite{QuestionID: "q-1", Value: "B", Seq: 9}, svc.lastWrite)

	w = do(r, token, http.MethodPut, path, `{"value":"B"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	_, e := decode(t, w)
	assert.Equal(t, response.ErrValidation, e.Code)
	assert.Contains(t, e.Fields, "seq")

	w = do(r, token, http.MethodPut, "/student/submissions/not-a-uuid/answers/q-1", `{"value":"B","seq":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	_, e = decode(t, w)
	assert.Equal(t, response.ErrInvalidID, e.Code)
}

func TestSubmitIdempotencyKey(t *testing.T) {
	svc := &fakeService{}
	r, token := newTestServer(t, svc)
	id := uuid.NewString()
	path := "/student/submissions/" + id + "/submit"

	w := do(r, token, http.MethodPost, path, `{"answers":{"q1":"A"}}`, "Idempotency-Key", id)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]string{"q1": "A"}, svc.lastSubmit)

	w = do(r, token, http.MethodPost, path, `{"answers":{}}`, "Idempotency-Key", uuid.NewString())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReportViolation(t *testing.T) {
	svc := &fakeService{}
	r, token := newTestServer(t, svc)
	sub := uuid.New()
	path := "/student/exams/" + uuid.NewString() + "/violations"

	w := do(r, token, http.MethodPost, path, `{"submission_id":"`+sub.String()+`","type":"copy","question_index":2}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.ViolationCopy, svc.lastReport.Type)
	assert.Equal(t, 2, svc.lastReport.QuestionIndex)

	data, _ := decode(t, w)
	var res model.ViolationResult
	require.NoError(t, json.Unmarshal(data, &res))
	assert.True(t, res.AutoSubmitted)

	w = do(r, token, http.MethodPost, path, `{"submission_id":"`+sub.String()+`","type":"sneeze"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   response.ErrCode
	}{
		{service.ErrExamNotFound, http.StatusNotFound, response.ErrNotFound},
		{service.ErrSubmissionNotFound, http.StatusNotFound, response.ErrNotFound},
		{service.ErrNotOwner, http.StatusForbidden, response.ErrForbidden},
		{service.ErrExamNotAvailable, http.StatusForbidden, response.ErrExamNotAvailable},
		{service.ErrNoQuestions, http.StatusUnprocessableEntity, response.ErrNoQuestions},
		{service.ErrAlreadySubmitted, http.StatusConflict, response.ErrAlreadySubmitted},
		{service.ErrUnknownQuestion, http.StatusBadRequest, response.ErrUnknownQuestion},
		{service.ErrSubmitInProgress, http.StatusServiceUnavailable, response.ErrSubmitInProgress},
		{context.DeadlineExceeded, http.StatusInternalServerError, response.ErrInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			r, token := newTestServer(t, &fakeService{err: tt.err})
			w := do(r, token, http.MethodPut, "/student/submissions/"+uuid.NewString()+"/answers/q1", `{"value":"A","seq":1}`)
			assert.Equal(t, tt.status, w.Code)
			_, e := decode(t, w)
			require.NotNil(t, e)
			assert.Equal(t, tt.code, e.Code)
		})
	}
}
