package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newCORSRouter(origins ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(corsMiddleware(origins...))
	router.OPTIONS("/projects/9/review/submit", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func preflight(router *gin.Engine, origin string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodOptions, "/projects/9/review/submit", http.NoBody)
	request.Header.Set("Origin", origin)
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Content-Type")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestCORSMiddlewareWildcardOmitsCredentials(t *testing.T) {
	for _, origins := range [][]string{{"*"}, nil} {
		recorder := preflight(newCORSRouter(origins...), "https://evil.example.net")

		if recorder.Code != http.StatusNoContent {
			t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
		}
		if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Fatalf("expected wildcard origin header, got %q", got)
		}
		if got := recorder.Header().Get("Access-Control-Allow-Credentials"); got != "" {
			t.Fatalf("wildcard origins must not allow credentials, got %q", got)
		}
	}
}

func TestCORSMiddlewareAllowsCredentialsForListedOrigins(t *testing.T) {
	recorder := preflight(newCORSRouter("https://review.example.com"), "https://review.example.com")

	if got := recorder.Header().Get("Access-Control-Allow-Origin"); got != "https://review.example.com" {
		t.Fatalf("expected listed origin, got %q", got)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials for a listed origin")
	}
}

func TestCORSMiddlewareRejectsUnlistedOrigin(t *testing.T) {
	router := newCORSRouter("https://review.example.com")

	if recorder := preflight(router, "https://review.example.com"); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected listed origin to pass, got %d", recorder.Code)
	}
	if recorder := preflight(router, "https://evil.example.com"); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected unlisted origin to be rejected, got %d", recorder.Code)
	}
}
