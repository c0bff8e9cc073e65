package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sketchroom/internal/repository/mocks"
	"sketchroom/internal/service"
	"sketchroom/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRateLimit(t *testing.T) {
	repo := mocks.NewMemoryStateRepository()
	router := gin.New()
	router.Use(RateLimit(store.NewAdapter(repo, store.Options{}), 2, time.Second))
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/ping", nil)
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests {
			assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
			assert.Equal(t, "1", w.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// 存储不可用时放行
	repo.SetDown(true)
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimit_InvalidArguments(t *testing.T) {
	st := store.Disabled()
	assert.Panics(t, func() { RateLimit(nil, 1, time.Second) })
	assert.Panics(t, func() { RateLimit(st, 0, time.Second) })
	assert.Panics(t, func() { RateLimit(st, 1, 0) })
}

func TestCreatorToken(t *testing.T) {
	tokens, err := service.NewCreatorTokenService("mw-secret", time.Hour)
	require.NoError(t, err)
	signed, err := tokens.Issue("482913", "creator-1")
	require.NoError(t, err)

	var gotClaims *service.CreatorClaims
	var gotToken string
	router := gin.New()
	router.Use(CreatorToken(tokens))
	router.GET("/check", func(c *gin.Context) {
		gotClaims, _ = ClaimsFrom(c)
		gotToken = c.GetString(ContextCreatorToken)
		c.Status(http.StatusOK)
	})

	cases := []struct {
		name   string
		header map[string]string
		query  string
		valid  bool
	}{
		{"header", map[string]string{"X-Creator-Token": signed}, "", true},
		{"bearer", map[string]string{"Authorization": "Bearer " + signed}, "", true},
		{"query", nil, "?creatorToken=" + signed, true},
		{"missing", nil, "", false},
		{"malformed authorization", map[string]string{"Authorization": signed}, "", false},
		{"invalid token", map[string]string{"X-Creator-Token": "bogus"}, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotClaims, gotToken = nil, ""
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(http.MethodGet, "/check"+tc.query, nil)
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code, "令牌问题不会中止请求")
			if tc.valid {
				require.NotNil(t, gotClaims)
				assert.Equal(t, "482913", gotClaims.RoomCode)
				assert.Equal(t, signed, gotToken)
			} else {
				assert.Nil(t, gotClaims)
				assert.Empty(t, gotToken)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	router := gin.New()
	router.Use(CORS(""))
	router.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodOptions, "/x", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "X-Creator-Token")
}

func TestLogger(t *testing.T) {
	log := logrus.New()
	log.SetOutput(new(nopWriter))
	router := gin.New()
	router.Use(Logger(log))
	router.GET("/fail", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/fail?x=1", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

type nopWriter struct{}

func (*nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestLogger_RedactsCreatorToken(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	router := gin.New()
	router.Use(Logger(log))
	router.GET("/api/rooms/:code", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/rooms/482913?creatorToken=secret.jwt.value&lang=zh", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	out := buf.String()
	assert.NotContains(t, out, "secret.jwt.value", "令牌不应出现在请求日志中")
	assert.Contains(t, out, "creatorToken=REDACTED")
	assert.Contains(t, out, "lang=zh", "其他查询参数保留")

	// 不含令牌的查询串原样记录
	buf.Reset()
	req, _ = http.NewRequest(http.MethodGet, "/api/rooms/482913?b=2&a=1", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)
	assert.Contains(t, buf.String(), "b=2&a=1")
}
