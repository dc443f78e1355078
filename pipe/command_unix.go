//go:build !windows

package pipe

import "syscall"

// runInOwnProcessGroup makes the worker the leader of a new process
// group, so that `Kill` reaches any grandchildren it may have spawned.
func (s *commandStage) runInOwnProcessGroup() {
	if s.cmd.SysProcAttr == nil {
		s.cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	s.cmd.SysProcAttr.Setpgid = true
}

// Kill is called to kill the worker if the context expires or a
// watchdog trips. `err` is recorded as the stage's error result.
func (s *commandStage) Kill(err error) {
	if s.cmd.Process == nil {
		return
	}

	select {
	case <-s.done:
		// Worker already reaped; no need to kill it again.
		return
	default:
	}

	// Record the error, which will be used as the error result for
	// this stage in place of the signal exit status.
	s.ctxErr.Store(err)

	pid := s.cmd.Process.Pid
	if pgid, pgErr := syscall.Getpgid(pid); pgErr == nil {
		// Negative pid signals the whole process group.
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	} else {
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}
