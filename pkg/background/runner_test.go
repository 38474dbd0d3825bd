package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunnerSurvivesCallerCancellation(t *testing.T) {
	r := New(WithTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran atomic.Bool
	r.Go(ctx, "history", func(ctx context.Context) error {
		ran.Store(ctx.Err() == nil)
		return nil
	})
	r.Wait()

	assert.True(t, ran.Load())
}

func TestRunnerReportsFailuresAndPanics(t *testing.T) {
	var failed []string
	done := make(chan string, 2)
	r := New(WithFailureHook(func(task string) { done <- task }))

	r.Go(context.Background(), "push", func(ctx context.Context) error {
		return errors.New("provider down")
	})
	r.Go(context.Background(), "publish", func(ctx context.Context) error {
		panic("boom")
	})
	r.Wait()
	close(done)
	for name := range done {
		failed = append(failed, name)
	}

	assert.ElementsMatch(t, []string{"push", "publish"}, failed)
}

func TestRunnerAppliesTimeout(t *testing.T) {
	r := New(WithTimeout(20 * time.Millisecond))
	var deadlineHit atomic.Bool

	r.Go(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		deadlineHit.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	})
	r.Wait()

	assert.True(t, deadlineHit.Load())
}
