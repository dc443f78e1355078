//go:build linux

package pipe

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// NewCgroupsIsolationPolicy returns an `IsolationPolicy` that puts the
// worker in a fresh cgroup (v1) limited to `cpu` shares and `memory`
// bytes. `path` is the cgroup hierarchy prefix under which the group is
// created; a unique name based on `name` is appended.
//
// The policy remembers the one group it created, so each worker needs
// its own policy instance.
func NewCgroupsIsolationPolicy(cpu uint64, memory int64, name string, path string) (IsolationPolicy, error) {
	return &cgroupsIsolation{
		cpu:    cpu,
		memory: memory,
		name:   name,
		path:   path,
	}, nil
}

type cgroupsIsolation struct {
	cpu    uint64
	memory int64
	name   string
	path   string

	cgroupControl cgroups.Cgroup
}

func (c *cgroupsIsolation) Setup(ctx context.Context, pid int) error {
	cgroupName := fmt.Sprintf("%s-%d-%d", c.name, time.Now().UnixNano(), rand.Intn(10000))
	control, err := cgroups.New(
		cgroups.V1,
		cgroups.StaticPath(c.path+cgroupName),
		&specs.LinuxResources{
			CPU: &specs.LinuxCPU{
				Shares: &c.cpu,
			},
			Memory: &specs.LinuxMemory{
				Limit: &c.memory,
			},
		},
	)
	if err != nil {
		return err
	}

	if err := control.Add(cgroups.Process{Pid: pid}); err != nil {
		control.Delete()
		return fmt.Errorf("adding worker %d to cgroup %s: %w", pid, cgroupName, err)
	}

	c.cgroupControl = control

	return nil
}

func (c *cgroupsIsolation) Teardown(ctx context.Context) error {
	if c.cgroupControl == nil {
		return fmt.Errorf("cgroup control is not initialized")
	}

	return c.cgroupControl.Delete()
}
