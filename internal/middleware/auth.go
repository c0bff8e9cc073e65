package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"

	"sketchroom/internal/service"
)

// 上下文键
const (
	ContextCreatorToken  = "creator_token"
	ContextCreatorClaims = "creator_claims"
)

// creatorTokenHeader 与 websocket 升级请求使用的请求头一致
const creatorTokenHeader = "X-Creator-Token"

// creatorTokenQuery 查询参数形式的创建者令牌
const creatorTokenQuery = "creatorToken"

// ErrMissingCreatorToken 请求中没有携带创建者令牌
var ErrMissingCreatorToken = errors.New("missing creator token")

// CreatorToken 返回一个 Gin 中间件，提取并校验可选的创建者令牌。
// 令牌来源依次为 X-Creator-Token 请求头、Authorization: Bearer、查询参数 creatorToken
// (浏览器的 WebSocket API 无法设置请求头)。令牌缺失或无效都不会中止请求，
// 请求按普通访问者继续处理。
func CreatorToken(tokens *service.CreatorTokenService) gin.HandlerFunc {
	if tokens == nil {
		panic("CreatorTokenService cannot be nil for CreatorToken middleware")
	}
	return func(c *gin.Context) {
		tokenStr, err := extractToken(c)
		if err != nil {
			if !errors.Is(err, ErrMissingCreatorToken) {
				logrus.WithError(err).Debug("CreatorToken middleware: Could not extract token")
			}
			c.Next()
			return
		}

		claims, err := tokens.Verify(tokenStr)
		if err != nil {
			logrus.WithError(err).Info("CreatorToken middleware: Ignoring invalid token")
			c.Next()
			return
		}
		c.Set(ContextCreatorToken, tokenStr)
		c.Set(ContextCreatorClaims, claims)
		logrus.WithFields(logrus.Fields{"room_code": claims.RoomCode, "creator_id": claims.CreatorID}).Debug("CreatorToken middleware: Token verified")
		c.Next()
	}
}

// ClaimsFrom 返回中间件放入上下文的令牌声明
func ClaimsFrom(c *gin.Context) (*service.CreatorClaims, bool) {
	v, ok := c.Get(ContextCreatorClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*service.CreatorClaims)
	return claims, ok
}

// extractToken 从请求中提取令牌
func extractToken(c *gin.Context) (string, error) {
	if token := c.GetHeader(creatorTokenHeader); token != "" {
		return token, nil
	}
	if authHeader := c.GetHeader("Authorization"); authHeader != "" {
		// Authorization header 格式应为 "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", jwt.ErrTokenMalformed
		}
		return parts[1], nil
	}
	if token := c.Query(creatorTokenQuery); token != "" {
		return token, nil
	}
	return "", ErrMissingCreatorToken
}
