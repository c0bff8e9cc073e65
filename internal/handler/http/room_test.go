package http_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpHandler "sketchroom/internal/handler/http"
	"sketchroom/internal/middleware"
	"sketchroom/internal/repository/mocks"
	"sketchroom/internal/service"
	"sketchroom/internal/store"
)

func setupRouter(t *testing.T) (*gin.Engine, *service.CreatorTokenService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewAdapter(mocks.NewMemoryStateRepository(), store.Options{})
	rooms := service.NewRoomService(st, service.RoomOptions{})
	tokens, err := service.NewCreatorTokenService("http-test-secret", time.Hour)
	require.NoError(t, err)

	h := httpHandler.NewRoomHandler(rooms, tokens)
	router := gin.New()
	api := router.Group("/api", middleware.CreatorToken(tokens))
	api.POST("/rooms", h.CreateRoom)
	api.GET("/rooms/:code", h.CheckRoom)
	return router, tokens
}

func doRequest(router *gin.Engine, method, path string, header map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestRoomHandler_CreateAndCheck(t *testing.T) {
	router, tokens := setupRouter(t)

	w := doRequest(router, http.MethodPost, "/api/rooms", nil)
	require.Equal(t, http.StatusCreated, w.Code)
	var created httpHandler.CreateRoomResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Code, 6)
	claims, err := tokens.Verify(created.CreatorToken)
	require.NoError(t, err, "返回的令牌应能通过校验")
	assert.Equal(t, created.Code, claims.RoomCode)

	// 不带令牌
	w = doRequest(router, http.MethodGet, "/api/rooms/"+created.Code, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var checked httpHandler.CheckRoomResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &checked))
	assert.Equal(t, httpHandler.CheckRoomResponse{Code: created.Code, Exists: true}, checked)

	// 带令牌 (三种携带方式)
	for _, header := range []map[string]string{
		{"X-Creator-Token": created.CreatorToken},
		{"Authorization": "Bearer " + created.CreatorToken},
	} {
		w = doRequest(router, http.MethodGet, "/api/rooms/"+created.Code, header)
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &checked))
		assert.True(t, checked.IsCreator, "%v", header)
	}
	w = doRequest(router, http.MethodGet, "/api/rooms/"+created.Code+"?creatorToken="+created.CreatorToken, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &checked))
	assert.True(t, checked.IsCreator)

	// 无效令牌不会中止请求
	w = doRequest(router, http.MethodGet, "/api/rooms/"+created.Code, map[string]string{"Authorization": "Token abc"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &checked))
	assert.False(t, checked.IsCreator)
}

func TestRoomHandler_CheckRoom_NotFoundAndInvalid(t *testing.T) {
	router, _ := setupRouter(t)

	w := doRequest(router, http.MethodGet, "/api/rooms/000000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var checked httpHandler.CheckRoomResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &checked))
	assert.False(t, checked.Exists)

	w = doRequest(router, http.MethodGet, "/api/rooms/12ab", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), service.ErrInvalidRoomCode.Error())
}

func TestHandleServiceError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
	}{
		{service.ErrInvalidRoomCode, http.StatusBadRequest},
		{service.ErrMalformedPayload, http.StatusBadRequest},
		{service.ErrRoomNotFound, http.StatusNotFound},
		{service.ErrPermissionDenied, http.StatusForbidden},
		{service.ErrInvalidToken, http.StatusForbidden},
		{service.ErrCodeSpaceExhausted, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		httpHandler.HandleServiceError(c, tc.err)
		assert.Equal(t, tc.status, w.Code, tc.err.Error())
	}
}
