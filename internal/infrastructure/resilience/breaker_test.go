package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFail = errors.New("failed")

func fail() error { return errFail }
func ok() error   { return nil }

func TestBreakerTrips(t *testing.T) {
	tests := []struct {
		name     string
		trip     uint32
		requests []bool // true = success
		want     State
	}{
		{"stays closed on successes", 2, []bool{true, true, true}, StateClosed},
		{"opens after consecutive failures", 3, []bool{false, false, false}, StateOpen},
		{"success resets the run", 2, []bool{false, true, false}, StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("test", Settings{Trip: tt.trip, Cooldown: time.Minute, Clock: clock.NewMock()})
			for _, success := range tt.requests {
				fn := fail
				if success {
					fn = ok
				}
				_ = b.Do(fn)
			}
			assert.Equal(t, tt.want, b.State())
		})
	}
}

func TestBreakerRejectsWhileOpen(t *testing.T) {
	b := New("test", Settings{Trip: 2, Cooldown: time.Minute, Clock: clock.NewMock()})
	assert.ErrorIs(t, b.Do(fail), errFail)
	assert.ErrorIs(t, b.Do(fail), errFail)

	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	c := b.Counts()
	assert.EqualValues(t, 2, c.Failures)
	assert.EqualValues(t, 1, c.Rejected)
}

func TestBreakerProbe(t *testing.T) {
	clk := clock.NewMock()
	var transitions []string
	b := New("events", Settings{
		Trip:     1,
		Cooldown: 10 * time.Second,
		Clock:    clk,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = b.Do(fail)
	require.Equal(t, StateOpen, b.State())

	clk.Add(10 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// a failed probe reopens for a full cooldown
	assert.ErrorIs(t, b.Do(fail), errFail)
	assert.Equal(t, StateOpen, b.State())
	clk.Add(5 * time.Second)
	assert.ErrorIs(t, b.Do(ok), ErrOpen)

	clk.Add(5 * time.Second)
	require.NoError(t, b.Do(ok))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{
		"events:closed->open",
		"events:open->half-open",
		"events:half-open->open",
		"events:open->half-open",
		"events:half-open->closed",
	}, transitions)
}

func TestBreakerSingleProbe(t *testing.T) {
	clk := clock.NewMock()
	b := New("test", Settings{Trip: 1, Cooldown: time.Second, Clock: clk})
	_ = b.Do(fail)
	clk.Add(time.Second)

	err := b.Do(func() error {
		// a second caller during the probe is rejected
		assert.ErrorIs(t, b.Do(ok), ErrOpen)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	b := New("test", Settings{Trip: 1, Clock: clock.NewMock()})
	assert.Panics(t, func() {
		_ = b.Do(func() error { panic("boom") })
	})
	assert.Equal(t, StateOpen, b.State())
}
