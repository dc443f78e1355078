//go:build linux

package pipe

import (
	"context"
	"fmt"
	"sync"

	"github.com/containerd/cgroups/v3/cgroup2"
)

var cgroup2Mountpoint = "/sys/fs/cgroup"

// cgroupCache manages reusable cgroup2 managers, keyed by path, so
// that spawning a worker per input line doesn't create and destroy a
// cgroup per worker.
type cgroupCache struct {
	mu       sync.RWMutex
	cgroups  map[string]*cgroup2.Manager
	basePath string
}

func newCgroupCache(basePath string) *cgroupCache {
	return &cgroupCache{
		cgroups:  make(map[string]*cgroup2.Manager),
		basePath: basePath,
	}
}

func (cc *cgroupCache) getOrCreate(name string, resources *cgroup2.Resources) (*cgroup2.Manager, error) {
	cgroupPath := fmt.Sprintf("%s/%s", cc.basePath, name)

	cc.mu.RLock()
	if manager, exists := cc.cgroups[cgroupPath]; exists {
		cc.mu.RUnlock()
		return manager, nil
	}
	cc.mu.RUnlock()

	cc.mu.Lock()
	defer cc.mu.Unlock()

	if manager, exists := cc.cgroups[cgroupPath]; exists {
		return manager, nil
	}

	manager, err := cgroup2.NewManager(cgroup2Mountpoint, cgroupPath, resources)
	if err != nil {
		return nil, fmt.Errorf("creating cgroup %s: %w", name, err)
	}

	cc.cgroups[cgroupPath] = manager
	return manager, nil
}

// cachedCgroupsV2Isolation implements IsolationPolicy on cgroup v2 with
// a cached, reused group per policy.
type cachedCgroupsV2Isolation struct {
	cpuQuota  *int64
	cpuPeriod *uint64
	cpuWeight *uint64
	memory    *int64
	name      string
	cache     *cgroupCache
}

// NewCachedCgroupsV2IsolationPolicy returns an `IsolationPolicy` that
// puts workers into a shared, reused cgroup (v2) with the given CPU and
// memory bounds. The group lives under `cacheBasePath` and is created
// on first use.
func NewCachedCgroupsV2IsolationPolicy(
	cpuQuota int64, cpuPeriod uint64, cpuWeight uint64,
	memory int64, name string, cacheBasePath string,
) (IsolationPolicy, error) {
	if cpuQuota < 0 || cpuPeriod == 0 || memory < 0 {
		return nil, fmt.Errorf(
			"invalid cgroup parameters: cpu_quota=%d, cpu_period=%d, memory=%d",
			cpuQuota, cpuPeriod, memory,
		)
	}

	return &cachedCgroupsV2Isolation{
		cpuQuota:  &cpuQuota,
		cpuPeriod: &cpuPeriod,
		cpuWeight: &cpuWeight,
		memory:    &memory,
		name:      name,
		cache:     newCgroupCache(cacheBasePath),
	}, nil
}

func (c *cachedCgroupsV2Isolation) Setup(ctx context.Context, pid int) error {
	resources := &cgroup2.Resources{
		CPU: &cgroup2.CPU{
			Max:    cgroup2.NewCPUMax(c.cpuQuota, c.cpuPeriod),
			Weight: c.cpuWeight,
		},
		Memory: &cgroup2.Memory{
			Max: c.memory,
		},
	}

	manager, err := c.cache.getOrCreate(c.name, resources)
	if err != nil {
		return fmt.Errorf("getting cached cgroup: %w", err)
	}

	if err := manager.AddProc(uint64(pid)); err != nil {
		return fmt.Errorf("adding worker %d to cached cgroup %s: %w", pid, c.name, err)
	}

	return nil
}

func (c *cachedCgroupsV2Isolation) Teardown(ctx context.Context) error {
	// The group is reused across workers; a worker leaves it
	// automatically when it exits, and there is no way to remove a live
	// process from a cgroup2 group anyway.
	return nil
}
