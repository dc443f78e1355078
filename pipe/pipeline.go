package pipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// Env represents the environment that a pipeline stage should run in.
// It is passed to `Stage.Start()`.
type Env struct {
	// The directory in which external commands should be executed by
	// default.
	Dir string

	// Vars are extra environment variables. These will override any
	// environment variables that would be inherited from the current
	// process.
	Vars []AppendVars
}

// AppendVars appends environment variables to `vars`, possibly reading
// values from the context.
type AppendVars func(context.Context, []EnvVar) []EnvVar

// EnvVar represents an environment variable that will be provided to
// any worker process spawned in a pipeline.
type EnvVar struct {
	// The name of the environment variable.
	Key string
	// The value.
	Value string
}

// Pipeline represents a Unix-like pipe that can include multiple
// stages: external worker processes, but also stages written in Go.
//
// For N stages, `Start()` creates exactly N-1 kernel pipes, one per
// adjacent pair. After `Start()` returns, the parent process holds no
// endpoint of any of those pipes: each endpoint has been handed to
// exactly one stage. `Wait()` reaps every stage that was started.
type Pipeline struct {
	env Env

	stdin  io.ReadCloser
	stdout io.WriteCloser
	stages []Stage
	cancel func()

	// Atomically written and read value, nonzero if the pipeline has
	// been started. This is only used for lifecycle sanity checks but
	// does not guarantee that clients are using the type correctly.
	started uint32

	eventHandler func(e *Event)
}

var emptyEventHandler = func(e *Event) {}

// ErrNoStages is returned by `Start()` for a pipeline with no stages.
var ErrNoStages = errors.New("pipeline has no stages")

// New returns a Pipeline with all of the `options` applied.
func New(options ...Option) *Pipeline {
	p := &Pipeline{
		eventHandler: emptyEventHandler,
	}

	for _, option := range options {
		option(p)
	}

	return p
}

// Option is a type alias for Pipeline functional options.
type Option func(*Pipeline)

// WithDir sets the default directory for running external commands.
func WithDir(dir string) Option {
	return func(p *Pipeline) {
		p.env.Dir = dir
	}
}

// WithStdin assigns stdin to the first stage in the pipeline. The
// pipeline will not close it.
func WithStdin(stdin io.Reader) Option {
	return func(p *Pipeline) {
		// Wrap it so that the first stage doesn't close it, but command
		// stages can still unwrap an underlying `*os.File` and hand the
		// descriptor to the worker directly.
		p.stdin = newReaderNopCloser(stdin)
	}
}

// WithStdout assigns stdout to the last stage in the pipeline. The
// pipeline will not close it.
func WithStdout(stdout io.Writer) Option {
	return func(p *Pipeline) {
		p.stdout = writerNopCloser{stdout}
	}
}

// WithStdoutCloser assigns stdout to the last stage in the pipeline,
// and closes it when the pipeline is done.
func WithStdoutCloser(stdout io.WriteCloser) Option {
	return func(p *Pipeline) {
		p.stdout = stdout
	}
}

// WithEnvVar appends an environment variable for the pipeline.
func WithEnvVar(key, value string) Option {
	return func(p *Pipeline) {
		p.env.Vars = append(p.env.Vars, func(_ context.Context, vars []EnvVar) []EnvVar {
			return append(vars, EnvVar{Key: key, Value: value})
		})
	}
}

// WithEnvVars appends several environment variables for the pipeline.
func WithEnvVars(b []EnvVar) Option {
	return func(p *Pipeline) {
		p.env.Vars = append(p.env.Vars, func(_ context.Context, a []EnvVar) []EnvVar {
			return append(a, b...)
		})
	}
}

// Event represents anything notable that happens during pipeline
// execution.
type Event struct {
	Command string
	Msg     string
	Err     error
	Context map[string]interface{}
}

// WithEventHandler sets a handler that receives an `Event` for notable
// per-stage occurrences (spawn failures, stage errors).
func WithEventHandler(handler func(e *Event)) Option {
	return func(p *Pipeline) {
		p.eventHandler = handler
	}
}

func (p *Pipeline) hasStarted() bool {
	return atomic.LoadUint32(&p.started) != 0
}

// Add appends one or more stages to the pipeline.
func (p *Pipeline) Add(stages ...Stage) {
	if p.hasStarted() {
		panic("attempt to modify a pipeline that has already started")
	}

	p.stages = append(p.stages, stages...)
}

// Start starts the stages of the pipeline, wiring each stage's stdout
// to the next stage's stdin through a kernel pipe. If `Start()` exits
// without an error, `Wait()` must also be called, to allow all
// resources to be freed.
//
// A stage whose program cannot be executed does not make `Start()`
// fail; that error is local to the stage and is reported via `Wait()`
// and the event handler. `Start()` fails only for resource errors
// (pipe creation, process creation), in which case the stages that were
// already started have been waited on before it returns.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.hasStarted() {
		panic("attempt to start a pipeline that has already started")
	}
	if len(p.stages) == 0 {
		return ErrNoStages
	}

	atomic.StoreUint32(&p.started, 1)
	ctx, p.cancel = context.WithCancel(ctx)

	// Abort the pipeline because stage `i` could not be started:
	// release whatever descriptors were in flight, then kill and reap
	// the stages that did start, so that no worker is leaked as a
	// detached process.
	abort := func(i int, err error, toClose ...io.Closer) error {
		for _, closer := range toClose {
			if closer != nil {
				_ = closer.Close()
			}
		}

		p.cancel()
		for _, s := range p.stages[:i] {
			_ = s.Wait()
		}

		p.eventHandler(&Event{
			Command: p.stages[i].Name(),
			Msg:     "failed to start pipeline stage",
			Err:     err,
		})
		return fmt.Errorf(
			"starting pipeline stage %q: %w", p.stages[i].Name(), err,
		)
	}

	// `stdin` is the read end of the previous boundary's pipe (or the
	// pipeline's own stdin for stage 0). Each iteration hands it to the
	// stage being started, which from then on owns it.
	stdin := p.stdin

	for i, s := range p.stages {
		var stdout io.WriteCloser
		var nextStdin io.ReadCloser

		if i < len(p.stages)-1 {
			pr, pw, err := os.Pipe()
			if err != nil {
				return abort(i, err, stdin)
			}
			stdout, nextStdin = pw, pr
		} else {
			stdout = p.stdout
		}

		if err := s.Start(ctx, p.env, stdin, stdout); err != nil {
			// The stage took ownership of nothing.
			return abort(i, err, stdin, stdout, nextStdin)
		}

		stdin = nextStdin
	}

	return nil
}

// Output runs the pipeline and returns its collected standard output.
func (p *Pipeline) Output(ctx context.Context) ([]byte, error) {
	var buf bytes.Buffer
	p.stdout = writerNopCloser{&buf}
	err := p.Run(ctx)
	return buf.Bytes(), err
}

// Wait waits for each stage in the pipeline to exit and returns the
// most interesting error among them (see below). Every stage is reaped
// regardless of how its siblings fared.
func (p *Pipeline) Wait() error {
	if !p.hasStarted() {
		panic("unable to wait on a pipeline that has not started")
	}

	// Make sure that all of the cleanup eventually happens:
	defer p.cancel()

	var earliestStageErr error
	var earliestFailedStage Stage

	finishedEarly := false
	for i := len(p.stages) - 1; i >= 0; i-- {
		s := p.stages[i]
		err := s.Wait()

		switch {
		case err == nil:
			// No error to handle. But unset the `finishedEarly` flag,
			// because earlier stages shouldn't be affected by the later
			// stage that finished early.
			finishedEarly = false

		case errors.Is(err, FinishEarly):
			// A stage reporting `FinishEarly` stopped on purpose. If
			// the immediately preceding stage got a pipe error, it
			// probably came from writing to this stage after it closed
			// its stdin, so ignore that too.
			finishedEarly = true

		case IsPipeError(err):
			switch {
			case finishedEarly:
				// A successor stage finished early; pipe errors in
				// earlier stages are an expected consequence.
			case earliestStageErr != nil:
				// A later stage has already reported an error. Keep
				// that one: a later pipe error is the last one seen,
				// and a later non-pipe error always outranks a pipe
				// error.
			default:
				earliestFailedStage, earliestStageErr = s, err
			}

		default:
			// A non-pipe error. We iterate in reverse stage order, so
			// overwriting keeps the error of the *earliest* failing
			// stage, which is the most informative one.
			earliestFailedStage, earliestStageErr = s, err
			finishedEarly = false
		}
	}

	if earliestStageErr != nil {
		p.eventHandler(&Event{
			Command: earliestFailedStage.Name(),
			Msg:     "command failed",
			Err:     earliestStageErr,
		})
		return fmt.Errorf("%s: %w", earliestFailedStage.Name(), earliestStageErr)
	}

	return nil
}

// Run starts and waits for the stages in the pipeline.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	return p.Wait()
}
