package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const memoryPollInterval = time.Second

// ErrMemoryLimitExceeded is the error used to kill a worker that grew
// past the limit given to `MemoryLimit`.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// ErrStallTimeout is the error used to kill a worker that did not
// finish within the deadline given to `StallTimeout`.
var ErrStallTimeout = errors.New("worker stalled past deadline")

// LimitableStage is the superset of Stage that must be implemented by
// stages passed to `MemoryLimit` and `MemoryObserver`. Command stages
// implement it on linux.
type LimitableStage interface {
	Stage

	GetRSSAnon(context.Context) (uint64, error)
	Kill(error)
}

// MemoryLimit watches the memory usage of the stage's worker tree and
// kills it if it exceeds `byteLimit`. If the stage cannot be watched on
// this platform, it is returned unwrapped and an event is emitted.
func MemoryLimit(stage Stage, byteLimit uint64, eventHandler func(e *Event)) Stage {
	limitableStage, ok := stage.(LimitableStage)
	if !ok {
		eventHandler(&Event{
			Command: stage.Name(),
			Msg:     "stage does not support memory limiting",
			Err:     fmt.Errorf("stage %q does not support memory limiting", stage.Name()),
		})
		return stage
	}

	return &watchStage{
		nameSuffix: " with memory limit",
		stage:      limitableStage,
		watch:      killAtLimit(byteLimit, eventHandler),
	}
}

// MemoryObserver watches memory use of the stage's worker tree and
// emits the peak value as an event when the stage exits.
func MemoryObserver(stage Stage, eventHandler func(e *Event)) Stage {
	limitableStage, ok := stage.(LimitableStage)
	if !ok {
		eventHandler(&Event{
			Command: stage.Name(),
			Msg:     "stage does not support memory observation",
			Err:     fmt.Errorf("stage %q does not support memory observation", stage.Name()),
		})
		return stage
	}

	return &watchStage{
		stage: limitableStage,
		watch: logMaxRSS(eventHandler),
	}
}

// StallTimeout kills the stage's worker if it has not finished within
// `limit`. This guards the supervisor against a worker blocking forever
// on input that will never arrive. A stage that cannot be killed is
// returned unwrapped.
func StallTimeout(stage Stage, limit time.Duration, eventHandler func(e *Event)) Stage {
	killable, ok := stage.(killableStage)
	if !ok {
		eventHandler(&Event{
			Command: stage.Name(),
			Msg:     "stage does not support stall timeouts",
			Err:     fmt.Errorf("stage %q does not support stall timeouts", stage.Name()),
		})
		return stage
	}

	return &watchStage{
		nameSuffix: " with stall timeout",
		stage:      killable,
		watch: func(ctx context.Context, stage killableStage) {
			t := time.NewTimer(limit)
			defer t.Stop()

			select {
			case <-ctx.Done():
			case <-t.C:
				eventHandler(&Event{
					Command: stage.Name(),
					Msg:     "worker exceeded its deadline",
					Err:     ErrStallTimeout,
					Context: map[string]interface{}{
						"limit": limit.String(),
					},
				})
				stage.Kill(ErrStallTimeout)
			}
		},
	}
}

func killAtLimit(byteLimit uint64, eventHandler func(e *Event)) watchFunc {
	return func(ctx context.Context, stage killableStage) {
		limitable := stage.(LimitableStage)
		var consecutiveErrors int

		t := time.NewTicker(memoryPollInterval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				rss, err := limitable.GetRSSAnon(ctx)
				if err != nil {
					consecutiveErrors++
					if consecutiveErrors >= 2 {
						eventHandler(&Event{
							Command: stage.Name(),
							Msg:     "error getting RSS",
							Err:     err,
						})
					}
					continue
				}
				consecutiveErrors = 0
				if rss < byteLimit {
					continue
				}
				eventHandler(&Event{
					Command: stage.Name(),
					Msg:     "worker exceeded allowed memory use",
					Err:     ErrMemoryLimitExceeded,
					Context: map[string]interface{}{
						"limit": byteLimit,
						"used":  rss,
					},
				})
				stage.Kill(ErrMemoryLimitExceeded)
				return
			}
		}
	}
}

func logMaxRSS(eventHandler func(e *Event)) watchFunc {
	return func(ctx context.Context, stage killableStage) {
		limitable := stage.(LimitableStage)
		var (
			maxRSS                                uint64
			samples, errCount, consecutiveErrors int
		)

		t := time.NewTicker(memoryPollInterval)
		defer t.Stop()

		for {
			select {
			case <-ctx.Done():
				eventHandler(&Event{
					Command: stage.Name(),
					Msg:     "peak memory usage",
					Context: map[string]interface{}{
						"max_rss_bytes": maxRSS,
						"samples":       samples,
						"errors":        errCount,
					},
				})
				return
			case <-t.C:
				rss, err := limitable.GetRSSAnon(ctx)
				if err != nil {
					errCount++
					consecutiveErrors++
					if consecutiveErrors == 2 {
						eventHandler(&Event{
							Command: stage.Name(),
							Msg:     "error getting RSS",
							Err:     err,
						})
					}
					// don't log any more errors until we get rss successfully.
					continue
				}

				consecutiveErrors = 0
				samples++
				if rss > maxRSS {
					maxRSS = rss
				}
			}
		}
	}
}

// watchStage wraps a stage with a watch goroutine that runs for the
// lifetime of the stage and may kill it.
type watchStage struct {
	nameSuffix string
	stage      killableStage
	watch      watchFunc
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

type watchFunc func(context.Context, killableStage)

var _ killableStage = (*watchStage)(nil)

func (m *watchStage) Name() string {
	return m.stage.Name() + m.nameSuffix
}

func (m *watchStage) Start(
	ctx context.Context, env Env, stdin io.ReadCloser, stdout io.WriteCloser,
) error {
	if err := m.stage.Start(ctx, env, stdin, stdout); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)

	go func() {
		m.watch(ctx, m.stage)
		m.wg.Done()
	}()

	return nil
}

func (m *watchStage) Wait() error {
	defer m.stopWatching()
	return m.stage.Wait()
}

func (m *watchStage) Kill(err error) {
	m.stage.Kill(err)
}

func (m *watchStage) stopWatching() {
	m.cancel()
	m.wg.Wait()
}
