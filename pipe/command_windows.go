//go:build windows

package pipe

// runInOwnProcessGroup is not supported on Windows.
func (s *commandStage) runInOwnProcessGroup() {}

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

	s.ctxErr.Store(err)

	_ = s.cmd.Process.Kill()
}
