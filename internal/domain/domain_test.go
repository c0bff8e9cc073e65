package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidRoomCode(t *testing.T) {
	for code, want := range map[string]bool{
		"482913":  true,
		"000000":  true,
		"48291":   false,
		"4829134": false,
		"48a913":  false,
		"":        false,
		"４82913":  false,
	} {
		assert.Equal(t, want, IsValidRoomCode(code), code)
	}
}

func TestRoom_IsCreator(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	room := NewRoom("482913", "A", now)
	assert.True(t, room.DrawingEnabled, "新房间默认允许绘图")

	assert.True(t, room.IsCreator(Identity{ConnID: "A"}))
	assert.True(t, room.IsCreator(Identity{ConnID: "A2", CreatorID: "A"}), "令牌身份也算创建者")
	assert.False(t, room.IsCreator(Identity{ConnID: "B"}))
	assert.False(t, Room{Code: "482913"}.IsCreator(Identity{}), "未绑定创建者的房间没有创建者")

	assert.Equal(t, "A", Identity{ConnID: "conn", CreatorID: "A"}.Primary())
	assert.Equal(t, "conn", Identity{ConnID: "conn"}.Primary())
}

func TestRoom_Inactive(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	room := NewRoom("482913", "A", now.Add(-61*time.Minute))
	assert.True(t, room.Inactive(now, time.Hour))
	room.LastActive = now.Add(-59 * time.Minute)
	assert.False(t, room.Inactive(now, time.Hour))
}

func TestStrokeSegment_Validate(t *testing.T) {
	assert.NoError(t, StrokeSegment{Tool: ToolDraw, Width: 2}.Validate())
	assert.NoError(t, StrokeSegment{Tool: ToolErase}.Validate())
	assert.Error(t, StrokeSegment{}.Validate())
	assert.Error(t, StrokeSegment{Tool: "spray"}.Validate())
	assert.Error(t, StrokeSegment{Tool: ToolDraw, Width: -1}.Validate())

	_, err := UnmarshalStroke("{oops")
	assert.Error(t, err)
}

func TestImageChunk_Validate(t *testing.T) {
	assert.NoError(t, ImageChunk{ChunkIndex: 2, TotalChunks: 3}.Validate())
	assert.Error(t, ImageChunk{ChunkIndex: 0, TotalChunks: 0}.Validate())
	assert.Error(t, ImageChunk{ChunkIndex: 3, TotalChunks: 3}.Validate())
	assert.Error(t, ImageChunk{ChunkIndex: -1, TotalChunks: 3}.Validate())

	key := ImageChunk{UserID: "A", Timestamp: 42}.Key()
	assert.Equal(t, ImageSessionKey{Timestamp: 42, Origin: "A"}, key)
}

func TestImageRecord_PlacementIsFlattened(t *testing.T) {
	raw, err := MarshalImage(ImageRecord{ImageData: "data:x", ImagePlacement: ImagePlacement{X: 1, Width: 5}, UserID: "A", Timestamp: 7})
	require.NoError(t, err)
	assert.Contains(t, raw, `"x":1`)
	assert.Contains(t, raw, `"width":5`)

	img, err := UnmarshalImage(raw)
	require.NoError(t, err)
	assert.Equal(t, float64(5), img.Width)
	assert.Equal(t, int64(7), img.Timestamp)
}
