package pipe

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"syscall"
)

// FinishEarly is an error that can be returned by a function stage to
// request that the iteration be ended early (possibly without reading
// all of its input). This "error" is considered a successful return,
// and is not reported to the caller.
//
//revive:disable:error-naming
var FinishEarly = errors.New("finish stage early")

//revive:enable:error-naming

// IsPipeError reports whether `err` looks like the result of writing to
// a pipe whose read end has been closed, or of using an already-closed
// descriptor. A worker that died of SIGPIPE counts as well. Such errors
// are usually a consequence of a neighboring stage going away and are
// less interesting than whatever made that stage go away.
func IsPipeError(err error) bool {
	if errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed) {
		return true
	}

	var eErr *exec.ExitError
	if errors.As(err, &eErr) {
		// `Signaled()` is hardcoded to `false` on Windows.
		ws, ok := eErr.ProcessState.Sys().(syscall.WaitStatus)
		if ok && ws.Signaled() && ws.Signal() == syscall.SIGPIPE {
			return true
		}
	}

	return false
}

// IsExecError reports whether `err` means that a command's program
// could not be executed at all (not found or not executable). Such a
// failure is local to the affected stage: its siblings in the pipeline
// keep running and are still reaped.
func IsExecError(err error) bool {
	return errors.Is(err, exec.ErrNotFound) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.ENOEXEC)
}
