package repository

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"possync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Save(ctx context.Context, ops []models.QueuedOperation) error {
	args := m.Called(ctx, ops)
	return args.Error(0)
}

func (m *mockStore) Load(ctx context.Context) ([]models.QueuedOperation, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.QueuedOperation), args.Error(1)
}

func (m *mockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

func testOp(id string) models.QueuedOperation {
	return models.QueuedOperation{
		ID:             id,
		IdempotencyKey: "idk_" + id,
		Type:           models.OpStatusUpdate,
		TargetEntityID: "inv-1",
		Status:         models.StatusPending,
		CreatedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestFailoverOperationStore(t *testing.T) {
	primary := new(mockStore)
	fallback := new(mockStore)
	logger := zerolog.New(io.Discard)
	repo := NewFailoverOperationStore(primary, fallback, time.Minute, &logger)
	ctx := context.Background()
	ops := []models.QueuedOperation{testOp("a")}

	t.Run("PrimarySuccess", func(t *testing.T) {
		primary.On("Save", ctx, ops).Return(nil).Once()

		assert.NoError(t, repo.Save(ctx, ops))
		assert.False(t, repo.Degraded())
		primary.AssertExpectations(t)
	})

	t.Run("PrimaryFailFallbackSuccess", func(t *testing.T) {
		primary.On("Save", ctx, ops).Return(errors.New("disk I/O error")).Once()
		fallback.On("Save", ctx, ops).Return(nil).Once()

		assert.NoError(t, repo.Save(ctx, ops))
		assert.True(t, repo.Degraded())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("StaysOnFallbackBeforeRecheck", func(t *testing.T) {
		fallback.On("Save", ctx, ops).Return(nil).Once()

		assert.NoError(t, repo.Save(ctx, ops))
		assert.True(t, repo.Degraded())
		fallback.AssertExpectations(t)
	})

	t.Run("RecoveryAttempt", func(t *testing.T) {
		repo.lastCheck.Store(time.Now().Add(-2 * time.Minute).UnixNano())

		primary.On("Save", ctx, ops).Return(nil).Once()
		fallback.On("Save", ctx, ops).Return(nil).Once()

		assert.NoError(t, repo.Save(ctx, ops))
		assert.False(t, repo.Degraded())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})

	t.Run("RecoveryAttemptFails", func(t *testing.T) {
		repo.isDown.Store(true)
		repo.lastCheck.Store(time.Now().Add(-2 * time.Minute).UnixNano())

		primary.On("Save", ctx, ops).Return(errors.New("still down")).Once()
		fallback.On("Save", ctx, ops).Return(nil).Once()

		assert.NoError(t, repo.Save(ctx, ops))
		assert.True(t, repo.Degraded())
		assert.WithinDuration(t, time.Now(), time.Unix(0, repo.lastCheck.Load()), time.Second)
	})
}

func TestFailoverOperationStoreLoad(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.New(io.Discard)

	t.Run("PrimaryLoad", func(t *testing.T) {
		primary := new(mockStore)
		fallback := new(mockStore)
		repo := NewFailoverOperationStore(primary, fallback, time.Minute, &logger)
		want := []models.QueuedOperation{testOp("a")}
		primary.On("Load", ctx).Return(want, nil).Once()

		got, err := repo.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		fallback.AssertNotCalled(t, "Load", ctx)
	})

	t.Run("FallbackLoad", func(t *testing.T) {
		primary := new(mockStore)
		fallback := new(mockStore)
		repo := NewFailoverOperationStore(primary, fallback, time.Minute, &logger)
		want := []models.QueuedOperation{testOp("b")}
		primary.On("Load", ctx).Return(nil, errors.New("locked")).Once()
		fallback.On("Load", ctx).Return(want, nil).Once()

		got, err := repo.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.True(t, repo.Degraded())
	})

	t.Run("Close", func(t *testing.T) {
		primary := new(mockStore)
		fallback := new(mockStore)
		repo := NewFailoverOperationStore(primary, fallback, 0, &logger)
		primary.On("Close").Return(errors.New("boom")).Once()
		fallback.On("Close").Return(nil).Once()

		assert.Error(t, repo.Close())
		primary.AssertExpectations(t)
		fallback.AssertExpectations(t)
	})
}

func TestFailoverWithRealStores(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryOperationStore()
	fallback := NewMemoryOperationStore()
	repo := NewFailoverOperationStore(primary, fallback, time.Minute, nil)

	primary.SetError(errors.New("unavailable"))
	require.NoError(t, repo.Save(ctx, []models.QueuedOperation{testOp("a"), testOp("b")}))

	got, err := fallback.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 0, primary.Saves())
}
