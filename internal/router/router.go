package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/handler"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Student *handler.StudentHandler
	Monitor *handler.MonitorHandler
	// Ready reports backing store health; nil means always ready.
	Ready func(context.Context) error
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// ctx bounds the rate limiter's background cleanup.
func SetupRouter(
	ctx context.Context,
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID", "Idempotency-Key"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware(), response.AccessLog(log))

	router.Use(middleware.Brotli())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		if handlers.Ready != nil {
			if err := handlers.Ready(c.Request.Context()); err != nil {
				_ = c.Error(err)
				response.Fail(c, http.StatusServiceUnavailable, response.ErrInternal)
				return
			}
		}
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Student Group (JWT + Rate Limited) ─────────────────────────
	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimitPerMinute, time.Minute)

	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(authService),
		limiter.Middleware(),
	)
	{
		studentAPI.GET("/exams/:exam_id", handlers.Student.GetExam)
		studentAPI.POST("/exams/:exam_id/start", handlers.Student.StartExam)
		studentAPI.GET("/exams/:exam_id/submission", handlers.Student.GetSubmission)
		studentAPI.POST("/exams/:exam_id/violations", handlers.Student.ReportViolation)
		studentAPI.PUT("/submissions/:submission_id/answers/:question_id", handlers.Student.SaveAnswer)
		studentAPI.POST("/submissions/:submission_id/submit", handlers.Student.Submit)
	}

	// ─── 2. Proctor Group (JWT) ────────────────────────────────────────
	proctorAPI := router.Group("/api/v1/proctor")
	proctorAPI.Use(middleware.RequireProctorJWT(authService))
	{
		proctorAPI.GET("/exams/:exam_id/monitor", handlers.Monitor.MonitorExamSSE)
	}

	return router
}
