package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"possync/internal/events"
	"possync/internal/executor"
	"possync/internal/idempotency"
	"possync/internal/models"
	"possync/internal/network"
	"possync/internal/queue"
	"possync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Has(opType models.OperationType) bool {
	return m.Called(opType).Bool(0)
}

func (m *mockExecutor) Check(opType models.OperationType) error {
	return m.Called(opType).Error(0)
}

func (m *mockExecutor) Execute(ctx context.Context, op models.QueuedOperation) error {
	return m.Called(ctx, op).Error(0)
}

type mockSync struct {
	mock.Mock
}

func (m *mockSync) SyncNow(ctx context.Context) (models.SyncResult, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.SyncResult), args.Error(1)
}

func (m *mockSync) Retry(ctx context.Context, ids []string) (models.SyncResult, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).(models.SyncResult), args.Error(1)
}

func (m *mockSync) LastSyncAttempt() *time.Time {
	if t, ok := m.Called().Get(0).(*time.Time); ok {
		return t
	}
	return nil
}

type serviceFixture struct {
	svc   *OperationService
	exec  *mockExecutor
	sync  *mockSync
	queue *queue.Queue
	store *repository.MemoryOperationStore
	mon   *network.Monitor
	bus   *events.EventBus
}

func newServiceFixture(t *testing.T, maxSize int) *serviceFixture {
	t.Helper()
	store := repository.NewMemoryOperationStore()
	q := queue.New(store, queue.Options{MaxSize: maxSize}, nil)
	mon := network.NewMonitor(network.Config{}, network.ProberFunc(func(context.Context) (time.Duration, error) {
		return time.Millisecond, nil
	}), nil, network.WithLinkChecker(network.AlwaysUp))
	exec := &mockExecutor{}
	sync := &mockSync{}
	bus := events.NewEventBus()
	svc := NewOperationService(q, exec, mon, sync, bus, time.Second, nil)
	return &serviceFixture{svc: svc, exec: exec, sync: sync, queue: q, store: store, mon: mon, bus: bus}
}

func (f *serviceFixture) goOffline() {
	for i := 0; i < 3; i++ {
		f.mon.ReportFailure(errors.New("unreachable"))
	}
}

var paidPayload = json.RawMessage(`{"status":"paid"}`)

func TestSubmitOnlineExecutesImmediately(t *testing.T) {
	f := newServiceFixture(t, 10)
	f.exec.On("Check", models.OpStatusUpdate).Return(nil)
	f.exec.On("Execute", mock.Anything, mock.MatchedBy(func(op models.QueuedOperation) bool {
		return op.TargetEntityID == "inv-1" && idempotency.Valid(op.IdempotencyKey)
	})).Return(nil).Once()

	res, err := f.svc.Submit(context.Background(), models.OpStatusUpdate, "inv-1", paidPayload)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.False(t, res.Queued)
	require.NotNil(t, res.Operation)
	assert.NotEmpty(t, res.Operation.ID)
	assert.Zero(t, f.queue.Size())
	f.exec.AssertExpectations(t)
}

func TestSubmitOfflineQueues(t *testing.T) {
	f := newServiceFixture(t, 10)
	f.goOffline()
	f.exec.On("Check", models.OpEmailSend).Return(nil)

	res, err := f.svc.Submit(context.Background(), models.OpEmailSend, "inv-1", json.RawMessage(`{"to":"a@b.c"}`))
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.False(t, res.Executed)

	all := f.queue.All()
	require.Len(t, all, 1)
	assert.Equal(t, res.Operation.IdempotencyKey, all[0].IdempotencyKey)
	assert.Equal(t, models.StatusPending, all[0].Status)
	f.exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)

	persisted, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, persisted, 1)
}

func TestSubmitNetworkFailureFallsBackToQueue(t *testing.T) {
	f := newServiceFixture(t, 10)
	f.exec.On("Check", models.OpPrintRequest).Return(nil)
	f.exec.On("Execute", mock.Anything, mock.Anything).Return(executor.NetworkError(errors.New("dial tcp: refused"))).Once()

	res, err := f.svc.Submit(context.Background(), models.OpPrintRequest, "inv-1", nil)
	require.NoError(t, err)
	assert.True(t, res.Queued)

	queued, ok := f.queue.Get(res.Operation.ID)
	require.True(t, ok)
	assert.Equal(t, res.Operation.IdempotencyKey, queued.IdempotencyKey, "the key from the failed attempt is kept")
	assert.Equal(t, 1, f.mon.State().ConsecutiveErrors)
}

func TestSubmitBackendRejectionIsReturned(t *testing.T) {
	f := newServiceFixture(t, 10)
	f.exec.On("Check", models.OpStatusUpdate).Return(nil)
	f.exec.On("Execute", mock.Anything, mock.Anything).Return(&executor.StatusError{Code: http.StatusUnprocessableEntity}).Once()

	res, err := f.svc.Submit(context.Background(), models.OpStatusUpdate, "inv-1", paidPayload)
	require.Error(t, err)
	assert.False(t, res.Queued)
	assert.False(t, res.Executed)
	assert.Zero(t, f.queue.Size())
}

func TestSubmitQueueFull(t *testing.T) {
	f := newServiceFixture(t, 2)
	f.goOffline()
	f.exec.On("Check", models.OpStatusUpdate).Return(nil)

	for i := 0; i < 2; i++ {
		_, err := f.svc.Submit(context.Background(), models.OpStatusUpdate, "inv-1", paidPayload)
		require.NoError(t, err)
	}
	_, err := f.svc.Submit(context.Background(), models.OpStatusUpdate, "inv-1", paidPayload)
	assert.ErrorIs(t, err, queue.ErrQueueFull)
	assert.Equal(t, 2, f.queue.Size())
}

func TestSubmitUnknownType(t *testing.T) {
	f := newServiceFixture(t, 10)
	f.exec.On("Check", models.OperationType("refund")).Return(executor.ErrUnknownOperationType)

	_, err := f.svc.Submit(context.Background(), "refund", "inv-1", nil)
	assert.ErrorIs(t, err, executor.ErrUnknownOperationType)

	_, err = f.svc.Submit(context.Background(), "", "inv-1", nil)
	assert.ErrorIs(t, err, models.ErrMissingType)
}

func TestSubmitInvalidPayload(t *testing.T) {
	f := newServiceFixture(t, 10)
	f.exec.On("Check", models.OpStatusUpdate).Return(nil)

	_, err := f.svc.Submit(context.Background(), models.OpStatusUpdate, "inv-1", json.RawMessage(`{"status":`))
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
	assert.Zero(t, f.queue.Size())
}

func TestSubmitValueEncodesPayload(t *testing.T) {
	f := newServiceFixture(t, 10)
	f.goOffline()
	f.exec.On("Check", models.OpPrintRequest).Return(nil)

	res, err := f.svc.SubmitValue(context.Background(), models.OpPrintRequest, "inv-1", models.PrintPayload{Printer: "front", Copies: 2})
	require.NoError(t, err)
	require.True(t, res.Queued)
	assert.JSONEq(t, `{"printer":"front","copies":2}`, string(res.Operation.Payload))

	_, err = f.svc.SubmitValue(context.Background(), models.OpPrintRequest, "inv-1", make(chan int))
	assert.ErrorContains(t, err, "encode payload")
}

func TestSubmitKeepsPerTargetOrder(t *testing.T) {
	f := newServiceFixture(t, 10)
	f.goOffline()
	f.exec.On("Check", models.OpStatusUpdate).Return(nil)

	_, err := f.svc.Submit(context.Background(), models.OpStatusUpdate, "inv-1", paidPayload)
	require.NoError(t, err)

	// Back online, but inv-1 still has queued work: the new operation queues behind it.
	f.mon.Probe(context.Background())
	require.True(t, f.mon.IsOnline())

	res, err := f.svc.Submit(context.Background(), models.OpStatusUpdate, "inv-1", json.RawMessage(`{"status":"cancelled"}`))
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 2, f.queue.Size())
	f.exec.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything)
}

func TestSubmitStoreFailureStillQueues(t *testing.T) {
	f := newServiceFixture(t, 10)
	f.goOffline()
	f.exec.On("Check", models.OpStatusUpdate).Return(nil)
	f.store.SetError(errors.New("read-only filesystem"))

	var storeEvents int
	f.bus.Subscribe(events.EventStoreError, func(*events.Event) error {
		storeEvents++
		return nil
	})

	res, err := f.svc.Submit(context.Background(), models.OpStatusUpdate, "inv-1", paidPayload)
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.Equal(t, 1, f.queue.Size())
	assert.Equal(t, 1, storeEvents)
}

func TestStatusAndEvents(t *testing.T) {
	f := newServiceFixture(t, 5)
	f.goOffline()
	f.exec.On("Check", models.OpStatusUpdate).Return(nil)
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.sync.On("LastSyncAttempt").Return(&last)

	_, err := f.svc.Submit(context.Background(), models.OpStatusUpdate, "inv-1", paidPayload)
	require.NoError(t, err)

	st := f.svc.Status()
	assert.Equal(t, 1, st.QueueSize)
	assert.Equal(t, 1, st.PendingCount)
	assert.Equal(t, 5, st.MaxSize)
	assert.False(t, st.Online)
	require.NotNil(t, st.LastSyncAttempt)
	assert.True(t, last.Equal(*st.LastSyncAttempt))

	var got []events.Event
	f.bus.Subscribe(events.Wildcard, func(e *events.Event) error {
		got = append(got, *e)
		return nil
	})
	f.svc.NetworkChanged(models.NetworkState{Online: false}, models.NetworkState{Online: true})
	require.Len(t, got, 2)
	assert.Equal(t, events.EventNetworkChanged, got[0].Type)
	assert.Equal(t, events.EventQueueStatus, got[1].Type)

	var published models.QueueStatus
	require.NoError(t, json.Unmarshal(got[1].Payload, &published))
	assert.Equal(t, 1, published.QueueSize)
}

func TestDiscardAndSyncDelegation(t *testing.T) {
	f := newServiceFixture(t, 5)
	f.goOffline()
	f.exec.On("Check", models.OpStatusUpdate).Return(nil)

	res, err := f.svc.Submit(context.Background(), models.OpStatusUpdate, "inv-1", paidPayload)
	require.NoError(t, err)

	require.NoError(t, f.svc.Discard(context.Background(), res.Operation.ID))
	assert.Zero(t, f.queue.Size())
	assert.ErrorIs(t, f.svc.Discard(context.Background(), res.Operation.ID), queue.ErrNotFound)

	f.sync.On("SyncNow", mock.Anything).Return(models.SyncResult{Trigger: models.TriggerManual}, nil).Once()
	f.sync.On("Retry", mock.Anything, []string{"x"}).Return(models.SyncResult{Trigger: models.TriggerRetry}, nil).Once()

	sr, err := f.svc.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TriggerManual, sr.Trigger)
	sr, err = f.svc.Retry(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Equal(t, models.TriggerRetry, sr.Trigger)
	f.sync.AssertExpectations(t)
}

func TestAcceptsDoesNotCheckStrictly(t *testing.T) {
	f := newServiceFixture(t, 10)
	f.exec.On("Has", models.OperationType("refund")).Return(false)
	f.exec.On("Has", models.OpStatusUpdate).Return(true)

	assert.False(t, f.svc.Accepts("refund"))
	assert.True(t, f.svc.Accepts(models.OpStatusUpdate))
	f.exec.AssertNotCalled(t, "Check", mock.Anything)
}
