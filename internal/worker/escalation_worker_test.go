package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"fleetwatch-correlation/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEscalator struct {
	calls int32
	err   error
}

func (f *fakeEscalator) CheckAndEscalateOverdue(ctx context.Context, tenantID string) (int, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return 0, f.err
	}
	return 1, nil
}

func testWorkerConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Escalation.PollIntervalSeconds = 1
	cfg.Escalation.BatchSize = 100
	return cfg
}

func TestEscalationWorker_RunsImmediatelyThenStops(t *testing.T) {
	escalator := &fakeEscalator{}
	w := NewEscalationWorker(testWorkerConfig(), escalator, "", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx)
	}()

	// 启动后立即执行一轮，不等待首个 tick
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&escalator.calls) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestEscalationWorker_ContinuesAfterFailure(t *testing.T) {
	escalator := &fakeEscalator{err: fmt.Errorf("database unavailable")}
	w := NewEscalationWorker(testWorkerConfig(), escalator, "tenant-1", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx)
	}()

	// 失败只记日志，循环继续到下一个 tick
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&escalator.calls) >= 2
	}, 3*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
