package pipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// commandStage is a pipeline `Stage` that runs an external command as a
// worker process, piping the data through its stdin and stdout.
type commandStage struct {
	name string
	cmd  *exec.Cmd

	// isolation, if non-nil, is applied to the worker right after it
	// has been spawned and torn down after it has been reaped.
	isolation IsolationPolicy

	// startErr is set when the program could not be executed at all
	// (e.g. command not found). Such a failure is local to this stage:
	// the stage still reports a successful `Start()` so that its
	// siblings keep running, and the error surfaces from `Wait()`.
	startErr error

	// lateClosers is a list of things that have to be closed once the
	// command has finished.
	lateClosers []io.Closer

	done   chan struct{}
	wg     errgroup.Group
	stderr bytes.Buffer

	// If the context expired, and we attempted to kill the command,
	// `ctx.Err()` is stored here.
	ctxErr atomic.Value
}

var _ killableStage = (*commandStage)(nil)

// Command returns a pipeline `Stage` running the specified external
// `command` with the given command-line `args`. Its stdin and stdout
// are handled as usual, and its stderr is collected and included in any
// `*exec.ExitError` that the command might emit.
func Command(command string, args ...string) Stage {
	if len(command) == 0 {
		panic("attempt to create command with empty command")
	}

	cmd := exec.Command(command, args...)
	return CommandStage(command, cmd)
}

// CommandWithIsolation is like `Command`, but the worker process is
// additionally placed under `ip` once it has been spawned.
func CommandWithIsolation(ip IsolationPolicy, command string, args ...string) Stage {
	s := Command(command, args...).(*commandStage)
	s.isolation = ip
	return s
}

// CommandStage returns a pipeline `Stage` with the name `name`, based
// on the specified `cmd`.
func CommandStage(name string, cmd *exec.Cmd) Stage {
	return &commandStage{
		name: name,
		cmd:  cmd,
		done: make(chan struct{}),
	}
}

func (s *commandStage) Name() string {
	return s.name
}

func (s *commandStage) Start(
	ctx context.Context, env Env, stdin io.ReadCloser, stdout io.WriteCloser,
) error {
	if s.cmd.Dir == "" {
		s.cmd.Dir = env.Dir
	}

	s.setupEnv(ctx, env)

	// Parent-side copies of `*os.File` descriptors, which must be
	// closed as soon as the command has started (the child holds its
	// own duplicates by then):
	var earlyClosers []io.Closer

	if stdin != nil {
		switch stdin := stdin.(type) {
		case readerNopCloser:
			// We mustn't close it, but unwrap it so that an underlying
			// `*os.File` is passed to the child as a plain descriptor:
			s.cmd.Stdin = stdin.Reader
		case readerWriterToNopCloser:
			s.cmd.Stdin = stdin.Reader
		case *os.File:
			s.cmd.Stdin = stdin
			earlyClosers = append(earlyClosers, stdin)
		default:
			// `exec.Cmd` will pump the data through a pipe of its own;
			// our copy can only be closed once the command is done:
			s.cmd.Stdin = stdin
			s.lateClosers = append(s.lateClosers, stdin)
		}
	}

	if stdout != nil {
		switch stdout := stdout.(type) {
		case writerNopCloser:
			s.cmd.Stdout = stdout.Writer
		case *os.File:
			s.cmd.Stdout = stdout
			earlyClosers = append(earlyClosers, stdout)
		default:
			s.cmd.Stdout = stdout
			s.lateClosers = append(s.lateClosers, stdout)
		}
	}

	// If the caller hasn't arranged otherwise, read the command's
	// standard error into our `stderr` field:
	if s.cmd.Stderr == nil {
		// We can't just set `s.cmd.Stderr = &s.stderr`, because then
		// `s.cmd.Wait()` wouldn't wait for all error output to be
		// captured. By copying it ourselves, we can be sure.
		p, err := s.cmd.StderrPipe()
		if err != nil {
			return err
		}
		s.wg.Go(func() error {
			_, err := io.Copy(&s.stderr, p)
			if err != nil && !errors.Is(err, os.ErrClosed) {
				return err
			}
			return nil
		})
	}

	// Put the command in its own process group, if possible:
	s.runInOwnProcessGroup()

	if err := s.cmd.Start(); err != nil {
		if !IsExecError(err) {
			// A genuine resource error (e.g. fork failure). The caller
			// decides the fate of the rest of the pipeline; we have
			// closed nothing.
			return err
		}

		// The program couldn't be executed. Close the parent's
		// descriptor copies so that the downstream stage sees EOF and
		// the upstream stage sees a closed pipe, exactly as if the
		// worker had exited immediately. The failure itself is reported
		// from `Wait()` and must not take down the rest of the
		// pipeline.
		for _, closer := range earlyClosers {
			_ = closer.Close()
		}
		s.startErr = fmt.Errorf("executing %q: %w", s.name, err)
		return nil
	}

	for _, closer := range earlyClosers {
		_ = closer.Close()
	}

	if s.isolation != nil {
		if err := s.isolation.Setup(ctx, s.cmd.Process.Pid); err != nil {
			// An uncontained worker is worse than no worker.
			s.Kill(fmt.Errorf("isolating %q: %w", s.name, err))
		}
	}

	// Arrange for the worker to be killed if the context expires before
	// the command exits normally:
	go func() {
		select {
		case <-ctx.Done():
			s.Kill(ctx.Err())
		case <-s.done:
			// Worker already reaped; nothing to kill.
		}
	}()

	return nil
}

// setupEnv sets or modifies the environment that will be passed to the
// command.
func (s *commandStage) setupEnv(ctx context.Context, env Env) {
	if len(env.Vars) == 0 {
		return
	}

	if s.cmd.Env == nil {
		s.cmd.Env = os.Environ()
	}

	var vars []EnvVar
	for _, fn := range env.Vars {
		vars = fn(ctx, vars)
	}
	varMap := make(map[string]string, len(vars))
	for _, v := range vars {
		varMap[v.Key] = v.Value
	}

	s.cmd.Env = copyEnvWithOverrides(s.cmd.Env, varMap)
}

func copyEnvWithOverrides(myEnv []string, overrides map[string]string) []string {
	vars := make([]string, 0, len(myEnv)+len(overrides))

	for _, v := range myEnv {
		eq := strings.Index(v, "=")
		if eq == -1 {
			vars = append(vars, v)
			continue
		}
		key := v[:eq]
		if _, ok := overrides[key]; ok {
			continue
		}
		vars = append(vars, v)
	}

	for key, value := range overrides {
		vars = append(vars, fmt.Sprintf("%s=%s", key, value))
	}

	return vars
}

// filterCmdError interprets `err`, which was returned by `Cmd.Wait()`
// (possibly `nil`), possibly modifying it or ignoring it. It returns
// the error that should actually be returned to the caller.
func (s *commandStage) filterCmdError(err error) error {
	if err == nil {
		return err
	}

	eErr, ok := err.(*exec.ExitError)
	if !ok {
		return err
	}

	ctxErr, ok := s.ctxErr.Load().(error)
	if ok {
		// If the worker looks like it was killed by us, substitute the
		// recorded error for the process's own exit error. Note that
		// this doesn't do anything on Windows, where `Signaled()` is
		// hardcoded to return `false`.
		ps, ok := eErr.ProcessState.Sys().(syscall.WaitStatus)
		if ok && ps.Signaled() &&
			(ps.Signal() == syscall.SIGTERM || ps.Signal() == syscall.SIGKILL) {
			return ctxErr
		}
	}

	eErr.Stderr = s.stderr.Bytes()
	return eErr
}

func (s *commandStage) Wait() error {
	defer close(s.done)

	// Make sure that any stderr is copied before `s.cmd.Wait()` closes
	// the read end of the pipe:
	wgErr := s.wg.Wait()

	var err error
	if s.startErr != nil {
		// The worker never existed; there is nothing to reap.
		err = s.startErr
	} else {
		err = s.filterCmdError(s.cmd.Wait())

		if s.isolation != nil {
			if tdErr := s.isolation.Teardown(context.Background()); tdErr != nil && err == nil {
				err = tdErr
			}
		}
	}

	if err == nil && wgErr != nil {
		err = wgErr
	}

	for _, closer := range s.lateClosers {
		if closeErr := closer.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}

	return err
}
