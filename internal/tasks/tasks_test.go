package tasks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sketchroom/internal/domain"
)

func TestRoomArchiveTask(t *testing.T) {
	evicted := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	payload, err := NewRoomArchiveTask(domain.RoomArchive{Code: "482913", CreatorID: "A", StrokeCount: 3, EvictedAt: evicted, Reason: "sweep"})
	require.NoError(t, err)

	parsed, err := ParseRoomArchiveTask(payload)
	require.NoError(t, err)
	assert.Equal(t, "482913", parsed.Archive.Code)
	assert.Equal(t, int64(3), parsed.Archive.StrokeCount)
	assert.True(t, parsed.Archive.EvictedAt.Equal(evicted))

	_, err = ParseRoomArchiveTask([]byte("not json"))
	assert.Error(t, err)
	_, err = ParseRoomArchiveTask([]byte(`{"archive":{"creatorId":"A"}}`))
	assert.ErrorContains(t, err, "missing room code")
}
