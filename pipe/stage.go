// Package pipe runs a sequence of commands as concurrent worker
// processes, with each stage's standard output feeding the next stage's
// standard input through a kernel pipe.
package pipe

import (
	"context"
	"io"
)

// Stage is one element of a `Pipeline`. It reads from the stdin it is
// given and writes to the stdout it is given.
//
// Who closes stdin and stdout?
//
// A stage is responsible for closing its end of both descriptors once
// `Start()` has returned successfully. Closing them promptly is what
// tells the neighboring stages that no more data is coming or wanted;
// a leaked copy of a write end is enough to make a downstream reader
// block forever waiting for EOF.
//
// If the stage is an external command, the child process gets its own
// duplicates of any `*os.File` descriptors, so the stage must close the
// parent's copies as soon as the command has started:
//
//	cmd.Stdin = f // similarly for stdout
//	cmd.Start(…)
//	f.Close() // close our copy; the child holds its own
//	cmd.Wait()
//
// If stdin or stdout is not an `*os.File`, the stage holds the only
// copy and must close it only after the work is finished. Callers that
// want to suppress closing altogether (e.g. the process's own stdin)
// wrap the value in a nop closer before passing it in.
//
// If `Start()` returns without an error, `Wait()` must also be called,
// to reap the worker and free its resources.
type Stage interface {
	// Name returns the name of the stage, used in error and event
	// reporting.
	Name() string

	// Start starts the stage in the background. `stdin` is `nil` for a
	// stage that should inherit no input; `stdout` is `nil` for a stage
	// whose output goes nowhere special. Both are the case only at the
	// ends of a pipeline.
	Start(ctx context.Context, env Env, stdin io.ReadCloser, stdout io.WriteCloser) error

	// Wait blocks until the stage is done, either because it finished
	// or because it was killed when the context passed to `Start()`
	// expired, and returns its error, if any. Wait must reap the worker
	// regardless of how it exited.
	Wait() error
}

// killableStage is implemented by stages whose worker can be killed
// from outside, e.g. by a watchdog.
type killableStage interface {
	Stage

	// Kill terminates the stage's worker. `err` will be reported as the
	// stage's error from `Wait()` in place of the kill signal's exit
	// status.
	Kill(err error)
}
