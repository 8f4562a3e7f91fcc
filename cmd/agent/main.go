package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/stemsi/exstem-session/internal/autosave"
	"github.com/stemsi/exstem-session/internal/bridge"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/examapi"
	"github.com/stemsi/exstem-session/internal/logger"
	"github.com/stemsi/exstem-session/internal/monitor"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/session"
)

func main() {
	var examArg string
	flag.StringVar(&examArg, "exam", "", "Exam ID to open")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	examID, err := uuid.Parse(examArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Usage: agent -exam <exam uuid>")
		os.Exit(2)
	}

	token := cfg.APIToken
	if token == "" {
		token, err = promptToken()
		if err != nil {
			log.Fatal().Err(err).Msg("No API token available")
		}
	}

	// ─── Session Controller ────────────────────────────────────────────
	client := examapi.New(examapi.Config{
		BaseURL: cfg.APIBaseURL,
		Token:   token,
		Timeout: cfg.APITimeout,
	})

	page := bridge.NewPage()
	ctrl := session.New(client, session.Options{
		Autosave: autosave.Options{Debounce: cfg.AutosaveDebounce},
		Sources: []monitor.SignalSource{
			page,
			&monitor.DevtoolsSource{
				Metrics:   page,
				Interval:  cfg.DevtoolsPollInterval,
				Threshold: cfg.DevtoolsThresholdPx,
			},
		},
		Monitor: monitor.Options{Fullscreen: page},
		Retry: session.RetryPolicy{
			MaxInterval: cfg.SubmitMaxInterval,
			MaxElapsed:  cfg.SubmitMaxElapsed,
		},
		LocalViolationThreshold: cfg.LocalViolationThreshold,
	}, log)
	defer ctrl.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, cfg.APITimeout)
	err = ctrl.Start(startCtx, examID)
	startCancel()
	if err != nil {
		if errors.Is(err, session.ErrExamNotAvailable) {
			log.Fatal().Str("exam_id", examID.String()).Msg("Exam is not open")
		}
		log.Fatal().Err(err).Msg("Failed to start exam")
	}

	snap := ctrl.Snapshot()
	warnTokenExpiry(log, token, time.Now().Add(time.Duration(snap.Remaining.TotalSeconds)*time.Second))
	log.Info().
		Str("exam_id", examID.String()).
		Str("submission_id", snap.SubmissionID.String()).
		Str("status", string(snap.Status)).
		Bool("resumed", snap.Resumed).
		Str("remaining", snap.Remaining.Formatted).
		Msg("Session started")

	// ─── Page Bridge ───────────────────────────────────────────────────
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(gin.Recovery(), response.RequestIDMiddleware(), response.AccessLog(log))
	h := bridge.NewHandler(ctrl, page, log, cfg.AllowedOrigins)
	r.GET("/api/v1/session", h.State)
	r.GET("/ws/v1/session", h.Stream)

	srv := &http.Server{
		Addr:              "127.0.0.1:" + cfg.AgentPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("Bridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Bridge error")
	}

	flushCtx, flushCancel := context.WithTimeout(context.Background(), cfg.APITimeout)
	if err := ctrl.Flush(flushCtx); err != nil {
		log.Error().Err(err).Msg("Pending answers were not saved")
	}
	flushCancel()
	ctrl.Close()
	log.Info().Msg("Shutdown complete")
}

// promptToken reads the bearer token from an interactive terminal without
// echoing it.
func promptToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("API_TOKEN is empty and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "API token: ")
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", errors.New("empty token")
	}
	return token, nil
}

func warnTokenExpiry(log zerolog.Logger, token string, deadline time.Time) {
	lapses, err := examapi.ExpiresBefore(token, deadline)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read token expiry")
		return
	}
	if lapses {
		log.Warn().Time("deadline", deadline).Msg("API token expires before the exam deadline")
	}
}
