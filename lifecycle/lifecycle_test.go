package lifecycle

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestRunShutsDownCleanlyWhenContextCancelled(t *testing.T) {
	var startedOrder, stoppedOrder []string

	svcA := Service{
		Name:            "a",
		StartupTimeout:  time.Second,
		ShutdownTimeout: time.Second,
		Startup: func(ctx context.Context) error {
			startedOrder = append(startedOrder, "a")
			return nil
		},
		Shutdown: func(ctx context.Context) error {
			stoppedOrder = append(stoppedOrder, "a")
			return nil
		},
	}
	svcB := Service{
		Name:            "b",
		StartupTimeout:  time.Second,
		ShutdownTimeout: time.Second,
		Startup: func(ctx context.Context) error {
			startedOrder = append(startedOrder, "b")
			return nil
		},
		Shutdown: func(ctx context.Context) error {
			stoppedOrder = append(stoppedOrder, "b")
			return nil
		},
	}

	r := NewRunner(testLogger(), 5*time.Second, time.Second, svcA, svcB)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := r.Run(ctx)

	assert.Equal(t, ExitNormal, code)
	assert.Equal(t, []string{"a", "b"}, startedOrder)
	assert.Equal(t, []string{"b", "a"}, stoppedOrder, "shutdown must run in reverse start order")
}

func TestRunReturnsFatalWhenStartupFails(t *testing.T) {
	var stopped []string

	ok := Service{
		Name:            "ok",
		StartupTimeout:  time.Second,
		ShutdownTimeout: time.Second,
		Startup:         func(ctx context.Context) error { return nil },
		Shutdown: func(ctx context.Context) error {
			stopped = append(stopped, "ok")
			return nil
		},
	}
	failing := Service{
		Name:            "failing",
		StartupTimeout:  time.Second,
		ShutdownTimeout: time.Second,
		Startup:         func(ctx context.Context) error { return errors.New("boom") },
		Shutdown:        func(ctx context.Context) error { return nil },
	}

	r := NewRunner(testLogger(), 5*time.Second, time.Second, ok, failing)
	code := r.Run(context.Background())

	assert.Equal(t, ExitFatal, code)
	// Only services that started successfully before the failure are shut down.
	assert.Equal(t, []string{"ok"}, stopped)
}

func TestShutdownAllCarvesBudgetAcrossServices(t *testing.T) {
	var deadlines []time.Duration

	svc1 := Service{Name: "s1", ShutdownTimeout: 3 * time.Second, Shutdown: func(ctx context.Context) error {
		dl, _ := ctx.Deadline()
		deadlines = append(deadlines, time.Until(dl))
		return nil
	}}
	svc2 := Service{Name: "s2", ShutdownTimeout: 3 * time.Second, Shutdown: func(ctx context.Context) error {
		dl, _ := ctx.Deadline()
		deadlines = append(deadlines, time.Until(dl))
		return nil
	}}

	r := NewRunner(testLogger(), 5*time.Second, 0, svc1, svc2)
	r.shutdownAll([]Service{svc1, svc2})

	require.Len(t, deadlines, 2)
	// svc2 shuts down first (reverse order) with its full 3s slice of the 5s budget.
	assert.InDelta(t, 3*time.Second, deadlines[0], float64(200*time.Millisecond))
	// only 2s of budget remains for svc1.
	assert.InDelta(t, 2*time.Second, deadlines[1], float64(200*time.Millisecond))
}

func TestNewTickerServiceTicksAndStops(t *testing.T) {
	ticks := make(chan struct{}, 10)
	svc := NewTickerService("sweeper", 10*time.Millisecond, func(ctx context.Context) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})

	require.NoError(t, svc.Startup(context.Background()))

	select {
	case <-ticks:
	case <-time.After(time.Second):
		t.Fatal("ticker never fired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, svc.Shutdown(ctx))
}

func TestRunGroupReturnsFirstError(t *testing.T) {
	wantErr := errors.New("fn2 failed")
	err := RunGroup(context.Background(),
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error { return wantErr },
	)
	assert.ErrorIs(t, err, wantErr)
}
