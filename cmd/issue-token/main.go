package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/logger"
	"github.com/stemsi/exstem-session/internal/service"
)

// issue-token signs a development token with JWT_SECRET so the agent and the
// proctor monitor can be exercised without the identity service.
func main() {
	var (
		userID  int
		proctor bool
		ttl     time.Duration
	)
	flag.IntVar(&userID, "id", 0, "Student or proctor ID")
	flag.BoolVar(&proctor, "proctor", false, "Issue a proctor token instead of a student token")
	flag.DurationVar(&ttl, "ttl", 4*time.Hour, "Token lifetime")
	flag.Parse()

	cfg := config.Load()
	log := logger.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	if userID <= 0 {
		fmt.Fprintln(os.Stderr, "Usage: issue-token -id <user id> [-proctor] [-ttl 4h]")
		os.Exit(2)
	}

	auth := service.NewAuthService(cfg.JWTSecret)
	issue := auth.IssueStudentToken
	kind := "student"
	if proctor {
		issue = auth.IssueProctorToken
		kind = "proctor"
	}

	token, err := issue(userID, ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}

	log.Info().
		Str("type", kind).
		Int("user_id", userID).
		Time("expires_at", time.Now().Add(ttl)).
		Msg("Token issued")
	fmt.Println(token)
}
