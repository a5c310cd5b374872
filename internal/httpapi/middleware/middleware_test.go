package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/speakenai/speaken/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAuthRequired(t *testing.T) {
	r := gin.New()
	r.GET("/me", AuthRequired("s3cret"), func(c *gin.Context) {
		uid, _ := UserID(c)
		c.JSON(http.StatusOK, gin.H{"uid": uid})
	})

	token, err := auth.SignJWT(42, "s3cret", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	other, _ := auth.SignJWT(42, "other", time.Hour)

	cases := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"bearer", "Bearer " + token, "", http.StatusOK},
		{"query token", "", token, http.StatusOK},
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, "", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + other, "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := "/me"
			if tc.query != "" {
				target += "?token=" + tc.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, w.Code, w.Body.String())
			}
			if tc.want == http.StatusOK && !strings.Contains(w.Body.String(), `"uid":42`) {
				t.Fatalf("unexpected body %s", w.Body.String())
			}
		})
	}
}

func TestRequestIDAndLogger(t *testing.T) {
	var buf bytes.Buffer
	r := gin.New()
	r.Use(RequestID(), Logger(zerolog.New(&buf)))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	rid := w.Header().Get(RequestIDHeader)
	if rid == "" {
		t.Fatalf("missing request id header")
	}
	line := buf.String()
	if !strings.Contains(line, `"request_id":"`+rid+`"`) || !strings.Contains(line, `"status":200`) {
		t.Fatalf("unexpected log line %s", line)
	}

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "given-id")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get(RequestIDHeader) != "given-id" {
		t.Fatalf("incoming request id not kept")
	}
}

func TestRecovery(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(zerolog.Nop()))
	r.GET("/boom", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if w.Code != http.StatusInternalServerError || !strings.Contains(w.Body.String(), `"code":50000`) {
		t.Fatalf("unexpected response %d %s", w.Code, w.Body.String())
	}
}
