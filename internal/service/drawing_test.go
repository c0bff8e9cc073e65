package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sketchroom/internal/domain"
)

var testStroke = domain.StrokeSegment{X0: 0, Y0: 0, X1: 10, Y1: 10, Color: "#000", Width: 2, Tool: domain.ToolDraw}

func TestDrawingService_CreatorAndPermissionScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := domain.Identity{ConnID: "A"}
	b := domain.Identity{ConnID: "B"}

	_, _, err := f.rooms.EnsureRoom(ctx, "482913", a.Primary())
	require.NoError(t, err)

	// A 提交线段：写入日志并广播
	relayed := &recorder[domain.StrokeSegment]{}
	accepted, err := f.drawing.SubmitStroke(ctx, "482913", testStroke, a, relayed.relay)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, []domain.StrokeSegment{testStroke}, relayed.all())

	// B 加入后回放得到这一条线段
	_, _, err = f.rooms.EnsureRoom(ctx, "482913", b.Primary())
	require.NoError(t, err)
	assert.Equal(t, []domain.StrokeSegment{testStroke}, f.drawing.Replay(ctx, "482913"))

	// B 关闭绘图被拒绝
	_, err = f.rooms.SetDrawingEnabled(ctx, "482913", false, b)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	room, _ := f.rooms.Get("482913")
	assert.True(t, room.DrawingEnabled)

	// A 关闭绘图成功，之后 B 的线段被丢弃
	_, err = f.rooms.SetDrawingEnabled(ctx, "482913", false, a)
	require.NoError(t, err)
	relayed = &recorder[domain.StrokeSegment]{}
	accepted, err = f.drawing.SubmitStroke(ctx, "482913", testStroke, b, relayed.relay)
	require.NoError(t, err, "被闸门丢弃的线段不报错")
	assert.False(t, accepted)
	assert.Empty(t, relayed.all(), "被丢弃的线段不广播")
	assert.Len(t, f.drawing.Replay(ctx, "482913"), 1)

	// 同样状态下创建者的线段仍被接受
	accepted, err = f.drawing.SubmitStroke(ctx, "482913", testStroke, a, relayed.relay)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Len(t, relayed.all(), 1)
	assert.Len(t, f.drawing.Replay(ctx, "482913"), 2)
}

func TestDrawingService_SubmitStroke_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := domain.Identity{ConnID: "A"}

	_, err := f.drawing.SubmitStroke(ctx, "482913", testStroke, a, nil)
	assert.ErrorIs(t, err, ErrRoomNotFound)

	_, _, err = f.rooms.EnsureRoom(ctx, "482913", "A")
	require.NoError(t, err)
	bad := testStroke
	bad.Tool = "spray"
	_, err = f.drawing.SubmitStroke(ctx, "482913", bad, a, nil)
	assert.ErrorIs(t, err, ErrMalformedPayload)
	assert.Zero(t, f.repo.StrokeCount("482913"))
}

func TestDrawingService_StoreDownStillRelays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.rooms.EnsureRoom(ctx, "482913", "A")
	require.NoError(t, err)
	f.repo.SetDown(true)

	relayed := &recorder[domain.StrokeSegment]{}
	accepted, err := f.drawing.SubmitStroke(ctx, "482913", testStroke, domain.Identity{ConnID: "B"}, relayed.relay)
	require.NoError(t, err)
	assert.True(t, accepted, "存储不可用时实时广播照常进行")
	assert.Len(t, relayed.all(), 1)
	assert.Empty(t, f.drawing.Replay(ctx, "482913"), "存储不可用时回放为空")
}

func TestDrawingService_Clear(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := domain.Identity{ConnID: "A"}
	_, _, err := f.rooms.EnsureRoom(ctx, "482913", "A")
	require.NoError(t, err)
	_, err = f.drawing.SubmitStroke(ctx, "482913", testStroke, a, nil)
	require.NoError(t, err)
	_, err = f.images.PasteImage(ctx, "482913", domain.ImageRecord{ImageData: "data:image/png;base64,AAAA"}, a, nil)
	require.NoError(t, err)

	// 非创建者清空：无任何副作用
	err = f.drawing.Clear(ctx, "482913", domain.Identity{ConnID: "B"})
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Len(t, f.drawing.Replay(ctx, "482913"), 1)
	assert.Len(t, f.images.ReplayImages(ctx, "482913"), 1)

	// 创建者清空：线段和图片都被清空
	require.NoError(t, f.drawing.Clear(ctx, "482913", a))
	assert.Empty(t, f.drawing.Replay(ctx, "482913"))
	assert.Empty(t, f.images.ReplayImages(ctx, "482913"))

	assert.ErrorIs(t, f.drawing.Clear(ctx, "000000", a), ErrRoomNotFound)
}

func TestCanWrite(t *testing.T) {
	room := domain.NewRoom("482913", "A", newFakeClock().Now())
	assert.True(t, CanWrite(room, domain.Identity{ConnID: "B"}))
	room.DrawingEnabled = false
	assert.False(t, CanWrite(room, domain.Identity{ConnID: "B"}))
	assert.True(t, CanWrite(room, domain.Identity{ConnID: "A"}))
	assert.True(t, CanWrite(room, domain.Identity{ConnID: "other", CreatorID: "A"}))
}

func TestDrawingService_ClearSurvivesStoreOutage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := domain.Identity{ConnID: "A"}
	_, _, err := f.rooms.EnsureRoom(ctx, "482913", a.Primary())
	require.NoError(t, err)
	_, err = f.drawing.SubmitStroke(ctx, "482913", testStroke, a, nil)
	require.NoError(t, err)
	_, err = f.images.PasteImage(ctx, "482913", domain.ImageRecord{ImageData: "data:x", Timestamp: 1}, a, nil)
	require.NoError(t, err)

	// 存储故障期间清空画布
	f.repo.SetDown(true)
	require.NoError(t, f.drawing.Clear(ctx, "482913", a), "存储故障不影响清空")
	f.repo.SetDown(false)

	// 存储恢复后回放为空，旧历史被补删
	assert.Empty(t, f.drawing.Replay(ctx, "482913"), "已清空的线段不应重新出现")
	assert.Empty(t, f.images.ReplayImages(ctx, "482913"), "已清空的图片不应重新出现")
	assert.Zero(t, f.repo.StrokeCount("482913"))
	assert.Zero(t, f.repo.ImageCount("482913"))

	// 恢复后的新线段正常写入
	fresh := testStroke
	fresh.Color = "#f00"
	_, err = f.drawing.SubmitStroke(ctx, "482913", fresh, a, nil)
	require.NoError(t, err)
	assert.Equal(t, []domain.StrokeSegment{fresh}, f.drawing.Replay(ctx, "482913"))
}

func TestDrawingService_StrokesWhileClearPendingAreNotReplayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := domain.Identity{ConnID: "A"}
	_, _, err := f.rooms.EnsureRoom(ctx, "482913", a.Primary())
	require.NoError(t, err)
	_, err = f.drawing.SubmitStroke(ctx, "482913", testStroke, a, nil)
	require.NoError(t, err)

	f.repo.SetDown(true)
	require.NoError(t, f.drawing.Clear(ctx, "482913", a))

	// 清空待补做期间的线段照常广播，但不写在旧历史之后
	relayed := &recorder[domain.StrokeSegment]{}
	accepted, err := f.drawing.SubmitStroke(ctx, "482913", testStroke, a, relayed.relay)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Len(t, relayed.all(), 1)

	f.repo.SetDown(false)
	assert.Empty(t, f.drawing.Replay(ctx, "482913"))
	assert.Zero(t, f.repo.StrokeCount("482913"))
}
