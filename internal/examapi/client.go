// Package examapi is the HTTP client for the exam collaborator service.
package examapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-session/internal/model"
)

// Error codes the collaborator returns that the core reacts to.
const (
	CodeAlreadySubmitted  = "ALREADY_SUBMITTED"
	CodeExamNotAvailable  = "EXAM_NOT_AVAILABLE"
	CodeSubmissionMissing = "NOT_FOUND"
)

// APIError is a non-2xx response from the collaborator.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("exam api: http %d", e.Status)
	}
	return fmt.Sprintf("exam api: http %d %s: %s", e.Status, e.Code, e.Message)
}

// IsTransient reports whether a call may succeed if retried unchanged:
// network failures, timeouts, 408, 429 and 5xx.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusRequestTimeout ||
			apiErr.Status == http.StatusTooManyRequests ||
			apiErr.Status >= 500
	}
	return true
}

// IsConflict reports whether the server says the submission is already submitted.
func IsConflict(err error) bool {
	return hasCode(err, CodeAlreadySubmitted)
}

// IsNotAvailable reports whether the exam cannot be started right now.
func IsNotAvailable(err error) bool {
	return hasCode(err, CodeExamNotAvailable)
}

func hasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Client talks to the collaborator's student API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// HTTPClient overrides the default transport (tests).
	HTTPClient *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	h := cfg.HTTPClient
	if h == nil {
		h = &http.Client{}
	}
	if cfg.Timeout > 0 {
		h.Timeout = cfg.Timeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    h,
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// StartExam starts the exam or returns the existing submission.
func (c *Client) StartExam(ctx context.Context, examID uuid.UUID) (*model.StartExamResponse, error) {
	var res model.StartExamResponse
	if err := c.do(ctx, http.MethodPost, "/student/exams/"+examID.String()+"/start", nil, nil, &res); err != nil {
		return nil, fmt.Errorf("start exam: %w", err)
	}
	return &res, nil
}

// GetSubmission returns the student's submission for an exam, or nil if none exists.
func (c *Client) GetSubmission(ctx context.Context, examID uuid.UUID) (*model.Submission, error) {
	var sub *model.Submission
	if err := c.do(ctx, http.MethodGet, "/student/exams/"+examID.String()+"/submission", nil, nil, &sub); err != nil {
		if hasCode(err, CodeSubmissionMissing) {
			return nil, nil
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

// SaveAnswer persists one answer write. The server keeps the highest seq.
func (c *Client) SaveAnswer(ctx context.Context, submissionID uuid.UUID, w model.AnswerWrite) (*model.SaveAnswerAck, error) {
	path := "/student/submissions/" + submissionID.String() + "/answers/" + url.PathEscape(w.QuestionID)
	body := model.SaveAnswerRequest{Value: w.Value, Seq: w.Seq}
	var ack model.SaveAnswerAck
	if err := c.do(ctx, http.MethodPut, path, nil, body, &ack); err != nil {
		return nil, fmt.Errorf("save answer: %w", err)
	}
	return &ack, nil
}

// SubmitExam submits the complete answer map. It is idempotent by submission id.
func (c *Client) SubmitExam(ctx context.Context, submissionID uuid.UUID, answers map[string]string) (*model.SubmitResult, error) {
	headers := map[string]string{"Idempotency-Key": submissionID.String()}
	body := model.SubmitRequest{Answers: answers}
	var res model.SubmitResult
	if err := c.do(ctx, http.MethodPost, "/student/submissions/"+submissionID.String()+"/submit", headers, body, &res); err != nil {
		return nil, fmt.Errorf("submit exam: %w", err)
	}
	return &res, nil
}

// ReportViolation logs a violation; the result tells whether the server forced a submit.
func (c *Client) ReportViolation(ctx context.Context, examID, submissionID uuid.UUID, v model.Violation) (*model.ViolationResult, error) {
	body := model.ViolationReport{
		SubmissionID:  submissionID,
		Type:          v.Type,
		Detail:        v.Detail,
		QuestionIndex: v.QuestionIndex,
		UserAgent:     v.UserAgent,
		Timestamp:     v.Timestamp,
	}
	var res model.ViolationResult
	if err := c.do(ctx, http.MethodPost, "/student/exams/"+examID.String()+"/violations", nil, body, &res); err != nil {
		return nil, fmt.Errorf("report violation: %w", err)
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil && err != io.EOF {
		if res.StatusCode/100 != 2 {
			return &APIError{Status: res.StatusCode, Message: res.Status}
		}
		return fmt.Errorf("decode response: %w", err)
	}

	if res.StatusCode/100 != 2 {
		apiErr := &APIError{Status: res.StatusCode, Message: res.Status}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
