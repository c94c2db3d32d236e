package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTaskTimeout bounds a background task when none is configured.
const DefaultTaskTimeout = 30 * time.Second

// Background runs detached tasks: work that must finish even when the
// request that started it has returned or its caller went away. Failures
// are logged, never returned; Wait blocks until every task is done.
type Background struct {
	wg      sync.WaitGroup
	log     logrus.FieldLogger
	timeout time.Duration
}

// NewBackground returns a runner whose tasks each get at most timeout.
func NewBackground(log logrus.FieldLogger, timeout time.Duration) *Background {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &Background{log: log, timeout: timeout}
}

// Go starts fn in its own goroutine. fn's context carries the values of
// parent but not its cancellation.
func (b *Background) Go(parent context.Context, name string, fn func(ctx context.Context) error) {
	ctx := context.WithoutCancel(parent)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.log.WithField("task", name).WithError(fmt.Errorf("panic: %v", r)).Error("background task panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			b.log.WithField("task", name).WithError(err).Error("background task failed")
		}
	}()
}

// Wait blocks until all started tasks return or ctx is done.
func (b *Background) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}
