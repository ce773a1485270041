package logger

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestMiddleware_PropagatesIncomingRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var seen string
	r := gin.New()
	r.Use(Middleware(slog.New(slog.NewJSONHandler(io.Discard, nil))))
	r.GET("/x", func(c *gin.Context) {
		seen = RequestID(c.Request.Context())
		c.Status(200)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderRequestID, "rid-123")
	r.ServeHTTP(w, req)

	if seen != "rid-123" {
		t.Fatalf("expected request id in context, got %q", seen)
	}
	if got := w.Header().Get(HeaderRequestID); got != "rid-123" {
		t.Fatalf("expected request id echoed, got %q", got)
	}
}

func TestMiddleware_GeneratesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var fromCtx *slog.Logger
	r := gin.New()
	r.Use(Middleware(slog.New(slog.NewJSONHandler(io.Discard, nil))))
	r.GET("/x", func(c *gin.Context) {
		fromCtx = From(c.Request.Context())
		c.Status(200)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	if w.Header().Get(HeaderRequestID) == "" {
		t.Fatalf("expected generated request id")
	}
	if fromCtx == nil || fromCtx == slog.Default() {
		t.Fatalf("expected request-scoped logger in context")
	}
}
