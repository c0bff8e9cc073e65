package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"sketchroom/internal/domain"
	"sketchroom/internal/repository"
)

// StateRepository 是 repository.StateRepository 的 testify mock
type StateRepository struct {
	mock.Mock
}

var _ repository.StateRepository = (*StateRepository)(nil)

func (m *StateRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *StateRepository) LoadRoom(ctx context.Context, code string) (*domain.Room, error) {
	args := m.Called(ctx, code)
	room, _ := args.Get(0).(*domain.Room)
	return room, args.Error(1)
}

func (m *StateRepository) RoomExists(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}

func (m *StateRepository) SaveRoom(ctx context.Context, room domain.Room, ttl time.Duration) (string, error) {
	args := m.Called(ctx, room, ttl)
	return args.String(0), args.Error(1)
}

func (m *StateRepository) UpdateRoom(ctx context.Context, code string, patch repository.RoomPatch, ttl time.Duration) error {
	args := m.Called(ctx, code, patch, ttl)
	return args.Error(0)
}

func (m *StateRepository) ExpireRoom(ctx context.Context, code string, ttl time.Duration) error {
	args := m.Called(ctx, code, ttl)
	return args.Error(0)
}

func (m *StateRepository) DeleteRoom(ctx context.Context, code string) error {
	args := m.Called(ctx, code)
	return args.Error(0)
}

func (m *StateRepository) AppendStroke(ctx context.Context, code string, seg domain.StrokeSegment, ttl time.Duration) error {
	args := m.Called(ctx, code, seg, ttl)
	return args.Error(0)
}

func (m *StateRepository) LoadStrokes(ctx context.Context, code string) ([]domain.StrokeSegment, error) {
	args := m.Called(ctx, code)
	segments, _ := args.Get(0).([]domain.StrokeSegment)
	return segments, args.Error(1)
}

func (m *StateRepository) AppendImage(ctx context.Context, code string, img domain.ImageRecord, ttl time.Duration) error {
	args := m.Called(ctx, code, img, ttl)
	return args.Error(0)
}

func (m *StateRepository) LoadImages(ctx context.Context, code string) ([]domain.ImageRecord, error) {
	args := m.Called(ctx, code)
	images, _ := args.Get(0).([]domain.ImageRecord)
	return images, args.Error(1)
}

func (m *StateRepository) ClearCanvas(ctx context.Context, code string) error {
	args := m.Called(ctx, code)
	return args.Error(0)
}

func (m *StateRepository) HistorySize(ctx context.Context, code string) (int64, int64, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

func (m *StateRepository) CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	args := m.Called(ctx, key, limit, window)
	return args.Bool(0), args.Error(1)
}

func (m *StateRepository) SubscribeExpired(ctx context.Context, handler func(code string)) error {
	args := m.Called(ctx, handler)
	return args.Error(0)
}
