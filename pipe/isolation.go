package pipe

import (
	"context"
)

// IsolationPolicy confines a worker process to a resource-limited
// environment. `Setup` is called with the worker's pid right after it
// has been spawned; `Teardown` after it has been reaped.
//
// Policies are available on linux only; see `NewCgroupsIsolationPolicy`
// and `NewCachedCgroupsV2IsolationPolicy`.
type IsolationPolicy interface {
	Setup(ctx context.Context, pid int) error
	Teardown(ctx context.Context) error
}
