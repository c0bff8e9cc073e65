package service

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/sirupsen/logrus"

	"sketchroom/internal/domain"
)

// CreatorClaims 创建者令牌中的声明
type CreatorClaims struct {
	RoomCode  string `json:"room"`
	CreatorID string `json:"cid"`
	jwt.RegisteredClaims
}

// CreatorTokenService 签发与校验创建者令牌 (HS256)。
// 令牌让创建者在断线重连、连接 ID 改变后仍被识别为同一创建者。
type CreatorTokenService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewCreatorTokenService 创建令牌服务。secret 为空时生成进程内随机密钥 (重启后旧令牌失效)。
func NewCreatorTokenService(secret string, expiry time.Duration) (*CreatorTokenService, error) {
	key := []byte(secret)
	if secret == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate creator token secret: %w", err)
		}
		logrus.WithField("key_id", hex.EncodeToString(key[:4])).Warn("CREATOR_TOKEN_SECRET not set, using a random per-process secret")
	}
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &CreatorTokenService{secret: key, expiry: expiry, now: time.Now}, nil
}

// Issue 为房间创建者签发令牌
func (s *CreatorTokenService) Issue(code, creatorID string) (string, error) {
	if code == "" || creatorID == "" {
		return "", fmt.Errorf("issue creator token: empty room code or creator id")
	}
	now := s.now()
	claims := CreatorClaims{
		RoomCode:  code,
		CreatorID: creatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   creatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign creator token: %w", err)
	}
	return signed, nil
}

// Verify 解析并校验令牌，失败统一返回 ErrInvalidToken (包装原因)。
func (s *CreatorTokenService) Verify(tokenStr string) (*CreatorClaims, error) {
	if tokenStr == "" {
		return nil, ErrInvalidToken
	}
	claims := &CreatorClaims{}
	parser := jwt.Parser{}
	token, err := parser.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		var validationError *jwt.ValidationError
		if errors.As(err, &validationError) && validationError.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.CreatorID == "" || claims.RoomCode == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IdentityFor 组合连接身份与令牌中的创建者身份。令牌无效或不属于该房间时被忽略，
// 连接按普通成员处理。
func (s *CreatorTokenService) IdentityFor(connID, code, tokenStr string) domain.Identity {
	id := domain.Identity{ConnID: connID}
	if tokenStr == "" {
		return id
	}
	claims, err := s.Verify(tokenStr)
	if err != nil {
		logrus.WithFields(logrus.Fields{"conn_id": connID, "room_code": code}).WithError(err).Info("Ignoring invalid creator token")
		return id
	}
	if claims.RoomCode != code {
		logrus.WithFields(logrus.Fields{"conn_id": connID, "room_code": code, "token_room": claims.RoomCode}).Info("Ignoring creator token issued for another room")
		return id
	}
	id.CreatorID = claims.CreatorID
	return id
}
