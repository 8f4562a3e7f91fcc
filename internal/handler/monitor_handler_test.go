package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/repository"
)

type fakeStats struct{}

func (fakeStats) Stats(context.Context, uuid.UUID) (*repository.ExamStats, error) {
	return &repository.ExamStats{Joined: 3, InProgress: 2, Submitted: 1, Violations: 4}, nil
}

func readEvent(t *testing.T, r *bufio.Reader) map[string]interface{} {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			var ev map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev))
			return ev
		}
	}
}

func TestMonitorExamSSE(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	h := NewMonitorHandler(rdb, &fakeService{}, fakeStats{}, zerolog.Nop())
	h.keepAlive = time.Hour
	r := gin.New()
	r.GET("/proctor/exams/:exam_id/monitor", h.MonitorExamSSE)
	srv := httptest.NewServer(r)
	defer srv.Close()

	examID := uuid.New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/proctor/exams/"+examID.String()+"/monitor", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	body := bufio.NewReader(res.Body)
	snap := readEvent(t, body)
	assert.Equal(t, "snapshot", snap["type"])
	stats := snap["stats"].(map[string]interface{})
	assert.Equal(t, float64(3), stats["total_joined"])

	require.NoError(t, rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID.String()),
		`{"type":"violation","count":2}`).Err())

	ev := readEvent(t, body)
	assert.Equal(t, "violation", ev["type"])
	assert.Equal(t, float64(2), ev["count"])
}

func TestMonitorExamSSEInvalidID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewMonitorHandler(nil, &fakeService{}, fakeStats{}, zerolog.Nop())
	r := gin.New()
	r.GET("/proctor/exams/:exam_id/monitor", h.MonitorExamSSE)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/proctor/exams/nope/monitor", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
