//go:build !linux

package shell

import (
	"go.uber.org/zap"

	"github.com/pipesh/pipesh/config"
	"github.com/pipesh/pipesh/pipe"
)

// Worker containment is linux-only; elsewhere a configured cgroup is
// noted and ignored.
func isolationPolicy(cfg config.Config, log *zap.Logger) (func() pipe.IsolationPolicy, error) {
	if cfg.Cgroup.Memory > 0 {
		log.Warn("cgroup containment is not supported on this platform")
	}
	return nil, nil
}
