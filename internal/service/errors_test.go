package service

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientMessage(t *testing.T) {
	msg, ok := ClientMessage(fmt.Errorf("toggle: %w", ErrPermissionDenied))
	assert.True(t, ok)
	assert.Equal(t, ErrPermissionDenied.Error(), msg)

	msg, ok = ClientMessage(ErrNotJoined)
	assert.True(t, ok)
	assert.Equal(t, ErrNotJoined.Error(), msg)

	for _, err := range []error{ErrRoomNotFound, ErrMalformedPayload, ErrCapacityExceeded, errors.New("redis: connection refused")} {
		_, ok := ClientMessage(err)
		assert.False(t, ok, "%v 不应返回给客户端", err)
	}
}
