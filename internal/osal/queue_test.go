package osal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueueDepth(t *testing.T) {
	tests := []struct {
		name    string
		depth   int
		wantErr bool
	}{
		{"zero", 0, true},
		{"negative", -1, true},
		{"one", 1, false},
		{"max", MaxQueueDepth, false},
		{"too deep", MaxQueueDepth + 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewQueue[int]("q", tt.depth, nil)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidDepth)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.depth, q.Cap())
		})
	}
}

func TestQueuePollFullAndEmpty(t *testing.T) {
	ctx := context.Background()
	q, err := NewQueue[int]("q", 2, nil)
	require.NoError(t, err)

	_, err = q.Get(ctx, Poll)
	assert.ErrorIs(t, err, ErrQueueEmpty)

	require.NoError(t, q.Put(ctx, 1, Poll))
	require.NoError(t, q.Put(ctx, 2, Poll))
	assert.ErrorIs(t, q.Put(ctx, 3, Poll), ErrQueueFull)

	v, err := q.Get(ctx, Poll)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, q.Len())
}

func TestQueueTimedGetExpires(t *testing.T) {
	q, err := NewQueue[int]("q", 1, nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = q.Get(context.Background(), Millis(30))
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrQueueTimeout)
	assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestQueueTimedGetImmediate(t *testing.T) {
	ctx := context.Background()
	q, err := NewQueue[int]("q", 1, nil)
	require.NoError(t, err)
	require.NoError(t, q.Put(ctx, 42, Poll))

	start := time.Now()
	v, err := q.Get(ctx, Millis(500))
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestQueueTimedPutWithMockClock(t *testing.T) {
	mock := clock.NewMock()
	q, err := NewQueue[int]("q", 1, mock)
	require.NoError(t, err)
	require.NoError(t, q.Put(context.Background(), 1, Poll))

	done := make(chan error, 1)
	go func() {
		done <- q.Put(context.Background(), 2, Millis(100))
	}()

	for {
		mock.Add(20 * time.Millisecond)
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrQueueTimeout)
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func TestQueuePendWakesOnPut(t *testing.T) {
	ctx := context.Background()
	q, err := NewQueue[string]("q", 1, nil)
	require.NoError(t, err)

	got := make(chan string, 1)
	go func() {
		v, err := q.Get(ctx, Pend)
		if err == nil {
			got <- v
		}
	}()

	require.NoError(t, q.Put(ctx, "hello", Pend))
	select {
	case v := <-got:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("pending Get did not wake")
	}
}

func TestQueueContextCancelIsTimeout(t *testing.T) {
	q, err := NewQueue[int]("q", 1, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = q.Get(ctx, Pend)
	assert.ErrorIs(t, err, ErrQueueTimeout)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestQueueClose(t *testing.T) {
	ctx := context.Background()
	q, err := NewQueue[int]("q", 2, nil)
	require.NoError(t, err)
	require.NoError(t, q.Put(ctx, 7, Poll))

	q.Close()
	q.Close()

	assert.ErrorIs(t, q.Put(ctx, 8, Poll), ErrQueueClosed)
	assert.Equal(t, []int{7}, q.Drain())

	_, err = q.Get(ctx, Pend)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestTimeoutValidate(t *testing.T) {
	assert.NoError(t, Poll.Validate())
	assert.NoError(t, Pend.Validate())
	assert.Equal(t, Poll, Millis(0))
	assert.Equal(t, ModeTimed, Millis(5).Mode)
	assert.ErrorIs(t, Timeout{Mode: ModeTimed, Duration: -1}.Validate(), ErrInvalidTimeout)
	assert.ErrorIs(t, Timeout{Mode: Mode(9)}.Validate(), ErrInvalidTimeout)
}
