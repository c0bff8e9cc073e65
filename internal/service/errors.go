package service

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrInvalidRoomCode    = errors.New("invalid room code")
	ErrPermissionDenied   = errors.New("permission denied: only the room creator can do this")
	ErrNotJoined          = errors.New("not joined to a room")
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrCapacityExceeded   = errors.New("capacity exceeded")
	ErrCodeSpaceExhausted = errors.New("could not generate an unused room code")
	ErrInvalidToken       = errors.New("invalid or expired creator token")
	ErrInternalServer     = errors.New("internal server error")
)

// ClientMessage 返回可以展示给客户端的错误描述。
// 只有权限和未加入房间两类错误会原样告知客户端。
func ClientMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return ErrPermissionDenied.Error(), true
	case errors.Is(err, ErrNotJoined):
		return ErrNotJoined.Error(), true
	default:
		return "", false
	}
}
