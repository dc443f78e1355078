package pipe_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pipesh/pipesh/pipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventRecorder collects pipeline events for inspection.
type eventRecorder struct {
	mu     sync.Mutex
	events []pipe.Event
}

func (r *eventRecorder) handle(e *pipe.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *e)
}

func (r *eventRecorder) all() []pipe.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipe.Event(nil), r.events...)
}

func TestSingleCommandOutput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p := pipe.New()
	p.Add(pipe.Command("echo", "hello"))
	out, err := p.Output(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestTwoStagePipeline(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p := pipe.New()
	p.Add(
		pipe.Command("echo", "hello"),
		pipe.Command("tr", "a-z", "A-Z"),
	)
	out, err := p.Output(ctx)
	require.NoError(t, err)
	assert.Equal(t, "HELLO\n", string(out))
}

func TestStreamFidelity(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// From empty through larger than a pipe buffer (64 KiB on linux).
	for _, size := range []int{0, 1, 37, 1 << 20} {
		size := size
		t.Run(fmt.Sprintf("%dB", size), func(t *testing.T) {
			t.Parallel()

			payload := bytes.Repeat([]byte{0xA5}, size)

			p := pipe.New(pipe.WithStdin(bytes.NewReader(payload)))
			p.Add(pipe.Command("cat"))
			out, err := p.Output(ctx)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(payload, out), "got %d bytes, want %d", len(out), size)
		})
	}
}

func TestThreeStageComposition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, size := range []int{0, 1, 256 << 10} {
		size := size

		var counted int64
		p := pipe.New()
		p.Add(
			pipe.Function("source", func(_ context.Context, _ pipe.Env, _ io.Reader, stdout io.Writer) error {
				chunk := bytes.Repeat([]byte("x"), 4096)
				remaining := size
				for remaining > 0 {
					n := remaining
					if n > len(chunk) {
						n = len(chunk)
					}
					if _, err := stdout.Write(chunk[:n]); err != nil {
						return err
					}
					remaining -= n
				}
				return nil
			}),
			pipe.Command("cat"),
			pipe.Function("count", func(_ context.Context, _ pipe.Env, stdin io.Reader, _ io.Writer) error {
				n, err := io.Copy(io.Discard, stdin)
				counted = n
				return err
			}),
		)
		require.NoError(t, p.Run(ctx))
		assert.EqualValues(t, size, counted, "size %d", size)
	}
}

func TestExecErrorIsLocalToStage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var recorder eventRecorder
	var sourceRan, sinkSawEOF bool

	p := pipe.New(pipe.WithEventHandler(recorder.handle))
	p.Add(
		pipe.Function("source", func(_ context.Context, _ pipe.Env, _ io.Reader, stdout io.Writer) error {
			sourceRan = true
			// The consumer is gone, so writes may fail with a pipe
			// error; that must not be what the pipeline reports.
			_, err := stdout.Write([]byte("doomed data"))
			if err != nil {
				return err
			}
			return nil
		}),
		pipe.Command("pipesh-no-such-program-xyzzy"),
		pipe.Function("sink", func(_ context.Context, _ pipe.Env, stdin io.Reader, _ io.Writer) error {
			n, err := io.Copy(io.Discard, stdin)
			sinkSawEOF = err == nil && n == 0
			return err
		}),
	)

	// All three stages start; the middle stage's failure surfaces from
	// Wait, not Start.
	require.NoError(t, p.Start(ctx))
	err := p.Wait()
	require.Error(t, err)
	assert.True(t, pipe.IsExecError(err), "expected exec error, got %v", err)

	assert.True(t, sourceRan)
	assert.True(t, sinkSawEOF, "sink should have seen immediate EOF")

	var failures int
	for _, e := range recorder.all() {
		if e.Msg == "command failed" {
			failures++
		}
	}
	assert.Equal(t, 1, failures, "exactly one failure should be reported")
}

func TestResourceErrorAbortsAndReaps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	boom := errors.New("boom")
	p := pipe.New()
	p.Add(
		pipe.Command("sleep", "10"),
		&failingStage{err: boom},
	)

	start := time.Now()
	err := p.Start(ctx)
	require.ErrorIs(t, err, boom)

	// The already-spawned sleep must have been killed and reaped before
	// Start returned, not leaked as a detached process.
	assert.Less(t, time.Since(start), 5*time.Second)
}

type failingStage struct {
	err error
}

func (s *failingStage) Name() string { return "failing" }

func (s *failingStage) Start(context.Context, pipe.Env, io.ReadCloser, io.WriteCloser) error {
	return s.err
}

func (s *failingStage) Wait() error { return nil }

func TestContextCancellationKillsWorkers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	p := pipe.New()
	p.Add(pipe.Command("sleep", "10"))

	start := time.Now()
	err := p.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEmptyPipeline(t *testing.T) {
	t.Parallel()

	p := pipe.New()
	assert.ErrorIs(t, p.Run(context.Background()), pipe.ErrNoStages)
}

func TestAddAfterStartPanics(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p := pipe.New()
	p.Add(pipe.Command("true"))
	require.NoError(t, p.Start(ctx))
	assert.Panics(t, func() { p.Add(pipe.Command("true")) })
	require.NoError(t, p.Wait())
}

func TestEnvVars(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p := pipe.New(pipe.WithEnvVar("PIPESH_TEST_VALUE", "flotsam"))
	p.Add(pipe.Command("sh", "-c", "printf %s \"$PIPESH_TEST_VALUE\""))
	out, err := p.Output(ctx)
	require.NoError(t, err)
	assert.Equal(t, "flotsam", string(out))
}

func TestWithDir(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker-file"), nil, 0o644))

	p := pipe.New(pipe.WithDir(dir))
	p.Add(pipe.Command("ls"))
	out, err := p.Output(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(out), "marker-file")
}

func TestFinishEarly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p := pipe.New()
	p.Add(
		pipe.Command("yes"),
		pipe.Function("head1", func(_ context.Context, _ pipe.Env, stdin io.Reader, stdout io.Writer) error {
			var b [1]byte
			if _, err := io.ReadFull(stdin, b[:]); err != nil {
				return err
			}
			if _, err := stdout.Write(b[:]); err != nil {
				return err
			}
			return pipe.FinishEarly
		}),
	)
	out, err := p.Output(ctx)
	require.NoError(t, err)
	assert.Equal(t, "y", string(out))
}

func TestStderrCapturedInExitError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p := pipe.New()
	p.Add(pipe.Command("sh", "-c", "echo oops >&2; exit 3"))
	err := p.Run(ctx)
	require.Error(t, err)

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
	assert.Contains(t, string(exitErr.Stderr), "oops")
}
