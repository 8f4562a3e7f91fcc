package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func brotliEngine(body string) *gin.Engine {
	r := gin.New()
	r.Use(Brotli())
	r.GET("/x", func(c *gin.Context) {
		c.String(http.StatusOK, body)
	})
	return r
}

func TestBrotliCompressesLargeBodies(t *testing.T) {
	body := strings.Repeat("question text ", 200)
	r := brotliEngine(body)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	r.ServeHTTP(w, req)

	assert.Equal(t, "br", w.Header().Get("Content-Encoding"))
	plain, err := io.ReadAll(brotli.NewReader(w.Body))
	require.NoError(t, err)
	assert.Equal(t, body, string(plain))
}

func TestBrotliLeavesSmallBodies(t *testing.T) {
	r := brotliEngine("ok")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Accept-Encoding", "br")
	r.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, "ok", w.Body.String())
}

func TestBrotliSkipsStreams(t *testing.T) {
	body := strings.Repeat("x", 4096)
	r := brotliEngine(body)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Accept-Encoding", "br")
	req.Header.Set("Accept", "text/event-stream")
	r.ServeHTTP(w, req)

	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, body, w.Body.String())
}
