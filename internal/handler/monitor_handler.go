package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
)

const (
	keepAliveInterval = 30 * time.Second
	statsTimeout      = 5 * time.Second // keep a slow query from stalling the stream
)

// ExamStatsReader reads the per-exam submission counts.
type ExamStatsReader interface {
	Stats(ctx context.Context, examID uuid.UUID) (*repository.ExamStats, error)
}

// MonitorHandler streams an exam's live events to proctors over SSE.
type MonitorHandler struct {
	rdb   *redis.Client
	svc   SubmissionService
	stats ExamStatsReader
	log   zerolog.Logger

	keepAlive time.Duration
}

func NewMonitorHandler(rdb *redis.Client, svc SubmissionService, stats ExamStatsReader, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		rdb:       rdb,
		svc:       svc,
		stats:     stats,
		log:       log.With().Str("component", "monitor_handler").Logger(),
		keepAlive: keepAliveInterval,
	}
}

// MonitorExamSSE godoc
// GET /api/v1/proctor/exams/:exam_id/monitor
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, ok := parseID(c, "exam_id")
	if !ok {
		return
	}

	exam, err := h.svc.GetExam(c.Request.Context(), examID)
	if err != nil {
		if errors.Is(err, service.ErrExamNotFound) {
			response.Fail(c, http.StatusNotFound, response.ErrNotFound)
			return
		}
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	reqCtx := c.Request.Context()

	// Subscribe before the snapshot so no event falls between the two.
	pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.ExamMonitorChannel(examID.String()))
	defer pubsub.Close()
	if _, err := pubsub.Receive(reqCtx); err != nil {
		h.log.Error().Err(err).Msg("Monitor subscribe failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	ch := pubsub.Channel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.sendSnapshot(c, reqCtx, exam)

	keepAliveTicker := time.NewTicker(h.keepAlive)
	defer keepAliveTicker.Stop()

	h.log.Info().Str("exam_id", examID.String()).Msg("Proctor attached to live monitor")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Str("exam_id", examID.String()).Msg("Proctor detached from live monitor")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Events are already JSON; forward them as-is.
			writeEvent(c, []byte(msg.Payload))

		case <-keepAliveTicker.C:
			writeEvent(c, pingPayload)
		}
	}
}

func (h *MonitorHandler) sendSnapshot(c *gin.Context, ctx context.Context, exam *model.ExamDefinition) {
	stats := &repository.ExamStats{}
	fetchCtx, cancel := context.WithTimeout(ctx, statsTimeout)
	defer cancel()
	if st, err := h.stats.Stats(fetchCtx, exam.ID); err == nil {
		stats = st
	} else {
		h.log.Warn().Err(err).Str("exam_id", exam.ID.String()).Msg("Failed to load exam stats")
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"type": "snapshot",
		"exam": map[string]interface{}{
			"id":              exam.ID.String(),
			"title":           exam.Title,
			"duration":        exam.DurationMinutes,
			"total_questions": len(exam.Questions),
		},
		"stats": stats,
	})
	writeEvent(c, payload)
}

func writeEvent(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
