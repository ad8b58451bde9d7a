package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/udp-tracker/internal/models"
	"github.com/benmeehan/udp-tracker/pkg/api"
)

// MockLocationSource is a mock of the synchronizer's REST dependency.
type MockLocationSource struct {
	mock.Mock
}

func (m *MockLocationSource) GetLocations(ctx context.Context, limit, offset int) (api.LocationsPage, error) {
	args := m.Called(ctx, limit, offset)
	return args.Get(0).(api.LocationsPage), args.Error(1)
}

func (m *MockLocationSource) GetLatest(ctx context.Context) (*models.RawLocation, error) {
	args := m.Called(ctx)
	latest, _ := args.Get(0).(*models.RawLocation)
	return latest, args.Error(1)
}

func (m *MockLocationSource) GetRange(ctx context.Context, start, end int64) (api.RangeResult, error) {
	args := m.Called(ctx, start, end)
	return args.Get(0).(api.RangeResult), args.Error(1)
}

func (m *MockLocationSource) GetStats(ctx context.Context) (models.Stats, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).(models.Stats)
	return stats, args.Error(1)
}
