// Package shell implements the interactive read-eval loop: read one
// line, parse it into a pipeline, run the pipeline's workers, wait for
// all of them, prompt again.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/abiosoft/readline"
	"go.uber.org/zap"

	"github.com/pipesh/pipesh/config"
	"github.com/pipesh/pipesh/pipe"
	"github.com/pipesh/pipesh/shellparse"
)

// Options configure a Shell.
type Options struct {
	Config config.Config

	// Stdin is the input stream. When it is an `*os.File`, a
	// pipeline's first worker inherits the descriptor, like any
	// shell's children do.
	Stdin io.Reader

	// Stdout receives the last stage's output and the prompt.
	Stdout io.Writer

	// Stderr receives error reports.
	Stderr io.Writer

	// Interactive should be true when Stdin is a terminal.
	Interactive bool

	Log *zap.Logger
}

// Shell owns the read-eval loop.
type Shell struct {
	cfg    config.Config
	rl     *readline.Instance
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	log    *zap.Logger

	// newIsolation, when non-nil, yields the containment policy for one
	// worker. Called once per stage; v1 cgroup policies are stateful and
	// must not be shared between workers.
	newIsolation func() pipe.IsolationPolicy
}

// New builds a Shell. Close it when done.
func New(opt Options) (*Shell, error) {
	log := opt.Log
	if log == nil {
		log = zap.NewNop()
	}

	rlCfg := &readline.Config{
		Prompt: opt.Config.Prompt,
		Stdin:  readline.NewCancelableStdin(opt.Stdin),
		Stdout: opt.Stdout,
		Stderr: opt.Stderr,
		FuncIsTerminal: func() bool {
			return opt.Interactive
		},
	}
	if err := rlCfg.Init(); err != nil {
		return nil, err
	}

	rl, err := readline.NewEx(rlCfg)
	if err != nil {
		return nil, err
	}

	newIsolation, err := isolationPolicy(opt.Config, log)
	if err != nil {
		rl.Close()
		return nil, err
	}

	return &Shell{
		cfg:          opt.Config,
		rl:           rl,
		stdin:        opt.Stdin,
		stdout:       opt.Stdout,
		stderr:       opt.Stderr,
		log:          log,
		newIsolation: newIsolation,
	}, nil
}

// Close releases the line reader.
func (s *Shell) Close() error {
	return s.rl.Close()
}

// Run reads and executes lines until the termination directive or
// end of input. Pipeline failures are reported and the loop continues;
// only input errors end it abnormally.
func (s *Shell) Run(ctx context.Context) error {
	lim := shellparse.Limits{
		MaxCommands: s.cfg.MaxCommands,
		MaxArgs:     s.cfg.MaxArgs,
		MaxLineLen:  s.cfg.MaxLineLen,
	}

	for {
		line, err := s.rl.Readline()
		switch {
		case errors.Is(err, io.EOF):
			// Input closed; same as `exit`.
			return nil

		case errors.Is(err, readline.ErrInterrupt):
			continue

		case err != nil:
			return fmt.Errorf("reading input: %w", err)
		}

		if shellparse.IsExit(line) {
			return nil
		}

		pipeline, err := shellparse.Parse(line, lim)
		if err != nil {
			s.log.Debug("rejected input line", zap.Error(err))
			fmt.Fprintf(s.stderr, "pipesh: %v\n", err)
			continue
		}

		if len(pipeline) == 0 {
			continue
		}

		if err := s.runPipeline(ctx, pipeline); err != nil {
			fmt.Fprintf(s.stderr, "pipesh: %v\n", err)
		}
	}
}

// runPipeline spawns one worker per command and blocks until every one
// of them has been reaped.
func (s *Shell) runPipeline(ctx context.Context, pipeline shellparse.Pipeline) error {
	opts := []pipe.Option{
		pipe.WithStdout(s.stdout),
		pipe.WithEventHandler(s.handleEvent),
	}

	// The first worker shares the shell's input only when that input is
	// a real descriptor the child can inherit. Pumping a non-file
	// reader into the worker would let a stage that never reads its
	// stdin swallow the shell's own next lines.
	if f, ok := s.stdin.(*os.File); ok {
		opts = append(opts, pipe.WithStdin(f))
	}

	p := pipe.New(opts...)

	for _, cmd := range pipeline {
		p.Add(s.stage(cmd))
	}

	return p.Run(ctx)
}

// stage builds the worker stage for one command, applying the
// configured containment and watchdog wrappers.
func (s *Shell) stage(cmd shellparse.Command) pipe.Stage {
	var st pipe.Stage
	if s.newIsolation != nil {
		st = pipe.CommandWithIsolation(s.newIsolation(), cmd.Name(), cmd.Args[1:]...)
	} else {
		st = pipe.Command(cmd.Name(), cmd.Args[1:]...)
	}

	if s.cfg.MemoryLimit > 0 {
		st = pipe.MemoryLimit(st, uint64(s.cfg.MemoryLimit), s.handleEvent)
	}
	if s.cfg.StallTimeout > 0 {
		st = pipe.StallTimeout(st, s.cfg.StallTimeout, s.handleEvent)
	}

	return st
}

func (s *Shell) handleEvent(e *pipe.Event) {
	fields := make([]zap.Field, 0, 2+len(e.Context))
	fields = append(fields, zap.String("command", e.Command))
	if e.Err != nil {
		fields = append(fields, zap.Error(e.Err))
	}
	for k, v := range e.Context {
		fields = append(fields, zap.Any(k, v))
	}

	s.log.Warn(e.Msg, fields...)
}
