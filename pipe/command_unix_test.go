//go:build !windows

package pipe

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKillWithNilProcess(t *testing.T) {
	cmd := exec.Command("sleep", "100")
	stage := &commandStage{
		name: "test-command",
		cmd:  cmd,
		done: make(chan struct{}),
	}

	// Kill before Start must be a no-op, not a panic.
	assert.NotPanics(t, func() {
		stage.Kill(context.Canceled)
	})
}

func TestExecFailureStillWaitable(t *testing.T) {
	ctx := context.Background()

	stage := Command("/this/path/does/not/exist/invalid-command-12345").(*commandStage)

	// A missing program is a local failure: Start succeeds, the error
	// comes out of Wait.
	require.NoError(t, stage.Start(ctx, Env{}, nil, nil))
	err := stage.Wait()
	require.Error(t, err)
	assert.True(t, IsExecError(err), "got %v", err)
}

func TestResourceErrorsNotTreatedAsExec(t *testing.T) {
	assert.False(t, IsExecError(errors.New("fork/exec: resource temporarily unavailable")))
	assert.False(t, IsExecError(context.Canceled))
}
