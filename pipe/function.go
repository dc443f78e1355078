package pipe

import (
	"context"
	"fmt"
	"io"
)

// StageFunc is a function that can power a stage created by
// `Function`. It should read its input from `stdin` and write its
// output to `stdout`. Both are closed automatically (if non-nil) once
// the function returns.
//
// Neither `stdin` nor `stdout` are necessarily buffered. If the
// `StageFunc` requires buffering, it needs to arrange that itself.
//
// A `StageFunc` is run in a separate goroutine, so it must be careful
// to synchronize any data access aside from reading and writing.
type StageFunc func(ctx context.Context, env Env, stdin io.Reader, stdout io.Writer) error

// Function returns a pipeline `Stage` that runs a `StageFunc` in a
// goroutine to process the data. It can stand in for a worker process
// anywhere in a pipeline.
func Function(name string, f StageFunc) Stage {
	return &goStage{
		name: name,
		f:    f,
		done: make(chan struct{}),
	}
}

// goStage is a `Stage` that does its work by running an arbitrary
// `StageFunc` in a goroutine.
type goStage struct {
	name string
	f    StageFunc
	done chan struct{}
	err  error
}

var _ Stage = (*goStage)(nil)

func (s *goStage) Name() string {
	return s.name
}

func (s *goStage) Start(
	ctx context.Context, env Env, stdin io.ReadCloser, stdout io.WriteCloser,
) error {
	var r io.Reader = stdin
	if u, ok := unwrapNopCloser(stdin); ok {
		r = u.(io.Reader)
	}

	var w io.Writer = stdout
	if u, ok := unwrapNopCloser(stdout); ok {
		w = u.(io.Writer)
	}

	go func() {
		s.err = s.f(ctx, env, r, w)

		// Close stdout first so the next stage sees EOF promptly.
		if stdout != nil {
			if err := stdout.Close(); err != nil && s.err == nil {
				s.err = fmt.Errorf("closing stdout for stage %q: %w", s.Name(), err)
			}
		}

		if stdin != nil {
			if err := stdin.Close(); err != nil && s.err == nil {
				s.err = fmt.Errorf("closing stdin for stage %q: %w", s.Name(), err)
			}
		}

		close(s.done)
	}()

	return nil
}

func (s *goStage) Wait() error {
	<-s.done
	return s.err
}
