//go:build linux

package pipe

import (
	"context"
	"errors"

	"github.com/pipesh/pipesh/internal/ptree"
)

// On linux, we can limit or observe memory usage of command stages.
var _ LimitableStage = (*commandStage)(nil)

var errProcessInfoMissing = errors.New("cmd.Process is nil")

// GetRSSAnon returns the anonymous RSS of the worker and everything it
// has spawned, so that a worker can't dodge a memory limit by forking.
func (s *commandStage) GetRSSAnon(ctx context.Context) (uint64, error) {
	if s.cmd.Process == nil {
		return 0, errProcessInfoMissing
	}

	return ptree.TreeRSSAnon(s.cmd.Process.Pid)
}
