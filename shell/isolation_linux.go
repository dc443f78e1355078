//go:build linux

package shell

import (
	"go.uber.org/zap"

	"github.com/pipesh/pipesh/config"
	"github.com/pipesh/pipesh/pipe"
)

// isolationPolicy builds a factory for per-worker cgroup containment,
// if configured. It returns nil when containment is off.
func isolationPolicy(cfg config.Config, log *zap.Logger) (func() pipe.IsolationPolicy, error) {
	if cfg.Cgroup.Memory <= 0 {
		return nil, nil
	}

	if cfg.Cgroup.V2 {
		quota := cfg.Cgroup.CPUQuota
		period := cfg.Cgroup.CPUPeriod
		if period == 0 {
			period = 100000
		}
		if quota == 0 {
			quota = int64(period)
		}

		log.Info("confining workers to shared cgroup2 group",
			zap.Int64("memory_bytes", cfg.Cgroup.Memory),
			zap.Int64("cpu_quota_us", quota),
			zap.Uint64("cpu_period_us", period),
			zap.String("path", cfg.Cgroup.Path),
		)

		// The v2 backend reuses one cached group for every worker, so a
		// single policy instance serves all stages.
		policy, err := pipe.NewCachedCgroupsV2IsolationPolicy(
			quota, period, 100, cfg.Cgroup.Memory, "pipesh", cfg.Cgroup.Path,
		)
		if err != nil {
			return nil, err
		}
		return func() pipe.IsolationPolicy { return policy }, nil
	}

	shares := cfg.Cgroup.CPUShares
	if shares == 0 {
		shares = 1024
	}

	log.Info("confining workers to cgroup",
		zap.Int64("memory_bytes", cfg.Cgroup.Memory),
		zap.Uint64("cpu_shares", shares),
		zap.String("path", cfg.Cgroup.Path),
	)

	// The v1 backend creates one group per worker and remembers it on
	// the policy, so every stage needs its own instance.
	return func() pipe.IsolationPolicy {
		policy, err := pipe.NewCgroupsIsolationPolicy(
			shares, cfg.Cgroup.Memory, "pipesh", cfg.Cgroup.Path,
		)
		if err != nil {
			log.Error("building cgroup policy", zap.Error(err))
			return nil
		}
		return policy
	}, nil
}
