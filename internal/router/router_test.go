package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/handler"
	"github.com/stemsi/exstem-session/internal/service"
)

func newRouter(t *testing.T, ready func(context.Context) error) http.Handler {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := &config.Config{GinMode: "test", RateLimitPerMinute: 10}
	handlers := &Handlers{
		Student: handler.NewStudentHandler(nil, zerolog.Nop()),
		Monitor: handler.NewMonitorHandler(nil, nil, nil, zerolog.Nop()),
		Ready:   ready,
	}
	return SetupRouter(ctx, service.NewAuthService("secret"), handlers, cfg, zerolog.Nop())
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	assert.Equal(t, http.StatusOK, get(newRouter(t, nil), "/health").Code)

	down := newRouter(t, func(context.Context) error { return errors.New("redis: refused") })
	assert.Equal(t, http.StatusServiceUnavailable, get(down, "/health").Code)
}

func TestStudentRoutesRequireToken(t *testing.T) {
	r := newRouter(t, nil)

	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/v1/student/exams/x").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/v1/proctor/exams/x/monitor").Code)
	assert.Equal(t, http.StatusNotFound, get(r, "/api/v1/admin/exams").Code)
}
