package response

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestFailWritesEnvelopeWithRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/x", func(c *gin.Context) { Fail(c, http.StatusConflict, ErrAlreadySubmitted) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "req-1")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "req-1", w.Header().Get("X-Request-ID"))

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	assert.Equal(t, ErrAlreadySubmitted, body.Error.Code)
	assert.Equal(t, GetMessage(ErrAlreadySubmitted), body.Error.Message)
	assert.Equal(t, "req-1", body.Metadata.RequestID)
	assert.Nil(t, body.Data)
}

func TestSuccessGeneratesRequestID(t *testing.T) {
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { Success(c, http.StatusOK, gin.H{"status": "ok"}) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	var body Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Nil(t, body.Error)
	assert.NotEmpty(t, body.Metadata.RequestID)
	assert.NotEmpty(t, body.Metadata.Timestamp)
}

func TestEveryCodeHasMessage(t *testing.T) {
	codes := []ErrCode{
		ErrTokenRequired, ErrTokenInvalid, ErrTokenExpired, ErrForbidden, ErrStudentAccessOnly,
		ErrValidation, ErrInvalidID, ErrInvalidPayload, ErrNotFound, ErrConflict,
		ErrExamNotAvailable, ErrAlreadySubmitted, ErrNoQuestions, ErrUnknownQuestion,
		ErrRateLimitExceeded, ErrInternal, ErrSubmitInProgress, ErrProctorAccessOnly,
	}
	fallback := GetMessage("SOMETHING_ELSE")
	for _, code := range codes {
		assert.NotEqual(t, fallback, GetMessage(code), code)
	}
}

func TestRequestIDRejectsUnsafeHeader(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/x", func(c *gin.Context) { Success(c, http.StatusOK, nil) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("a", 200))
	r.ServeHTTP(w, req)

	id := w.Header().Get("X-Request-ID")
	assert.Len(t, id, 36)
}

func TestFailRetryAfter(t *testing.T) {
	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		FailRetryAfter(c, http.StatusServiceUnavailable, ErrSubmitInProgress, 1500*time.Millisecond)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func TestAccessLogIncludesErrors(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestIDMiddleware(), AccessLog(zerolog.New(&buf)))
	r.GET("/x", func(c *gin.Context) {
		_ = c.Error(errors.New("redis: refused"))
		Fail(c, http.StatusInternalServerError, ErrInternal)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Request-ID", "req-9")
	r.ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "req-9", line["request_id"])
	assert.Equal(t, "/x", line["route"])
	assert.EqualValues(t, 500, line["status"])
	assert.Contains(t, line["errors"], "redis: refused")
}
