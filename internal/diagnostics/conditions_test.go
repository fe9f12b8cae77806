package diagnostics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"possync/internal/executor"
	"possync/internal/models"
	"possync/internal/network"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionsProber(t *testing.T) {
	c := NewConditions(1)
	var calls int
	p := c.Prober(network.ProberFunc(func(context.Context) (time.Duration, error) {
		calls++
		return time.Millisecond, nil
	}))

	_, err := p.Probe(context.Background())
	require.NoError(t, err)

	c.SetOffline(true)
	_, err = p.Probe(context.Background())
	assert.ErrorIs(t, err, ErrSimulatedOffline)
	assert.False(t, c.LinkChecker().LinkUp())

	c.Reset()
	c.SetPacketLoss(1)
	_, err = p.Probe(context.Background())
	assert.ErrorIs(t, err, ErrSimulatedLoss)
	assert.Equal(t, 1, calls)
}

func TestConditionsLatencyHonoursContext(t *testing.T) {
	c := NewConditions(1)
	c.SetLatency(time.Hour)
	p := c.Prober(network.ProberFunc(func(context.Context) (time.Duration, error) {
		return 0, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Probe(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConditionsClamp(t *testing.T) {
	c := NewConditions(1)
	c.SetPacketLoss(3)
	c.SetLatency(-time.Second)
	snap := c.Snapshot()
	assert.Equal(t, 1.0, snap.PacketLoss)
	assert.Zero(t, snap.Latency)
}

func TestRoundTripperDropsAfterDelivery(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewConditions(1)
	client := &http.Client{Transport: c.RoundTripper(nil)}

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	c.SetPacketLoss(1)
	_, err = client.Get(srv.URL)
	require.Error(t, err)
	assert.True(t, executor.IsNetwork(err))
	assert.Equal(t, int32(2), hits.Load(), "the request reached the server before the response was lost")

	c.Reset()
	c.SetOffline(true)
	_, err = client.Get(srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSimulatedOffline)
	assert.Equal(t, int32(2), hits.Load())
}

func TestMiddleware(t *testing.T) {
	c := NewConditions(1)
	var calls int
	exec := c.Middleware()(models.OpPrintRequest, func(context.Context, executor.Request) error {
		calls++
		return nil
	})

	require.NoError(t, exec(context.Background(), executor.Request{}))

	c.SetOffline(true)
	err := exec(context.Background(), executor.Request{})
	assert.True(t, executor.IsNetwork(err))
	assert.ErrorIs(t, err, ErrSimulatedOffline)
	assert.Equal(t, 1, calls)

	c.SetOffline(false)
	c.SetPacketLoss(1)
	err = exec(context.Background(), executor.Request{})
	assert.True(t, executor.IsNetwork(err))
	assert.Equal(t, 2, calls)

	c.SetPacketLoss(0)
	boom := errors.New("boom")
	exec = c.Middleware()(models.OpPrintRequest, func(context.Context, executor.Request) error { return boom })
	assert.ErrorIs(t, exec(context.Background(), executor.Request{}), boom)
}
