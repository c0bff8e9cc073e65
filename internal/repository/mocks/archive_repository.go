package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"sketchroom/internal/domain"
	"sketchroom/internal/repository"
)

// ArchiveRepository 是 repository.ArchiveRepository 的 testify mock
type ArchiveRepository struct {
	mock.Mock
}

var _ repository.ArchiveRepository = (*ArchiveRepository)(nil)

func (m *ArchiveRepository) Save(ctx context.Context, archive *domain.RoomArchive) error {
	args := m.Called(ctx, archive)
	return args.Error(0)
}
