package shell_test

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pipesh/pipesh/config"
	"github.com/pipesh/pipesh/shell"
)

// runScript feeds `input` to a shell and returns its stdout and stderr.
func runScript(t *testing.T, cfg config.Config, input string) (string, string) {
	t.Helper()

	if cfg.Prompt == "" {
		cfg.Prompt = "pipesh> "
	}

	var stdout, stderr bytes.Buffer
	sh, err := shell.New(shell.Options{
		Config: cfg,
		Stdin:  strings.NewReader(input),
		Stdout: &stdout,
		Stderr: &stderr,
		Log:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	defer sh.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	require.NoError(t, sh.Run(ctx))
	return stdout.String(), stderr.String()
}

func TestExitStopsLoop(t *testing.T) {
	_, stderr := runScript(t, config.Config{}, "exit\necho should-not-run\n")
	assert.NotContains(t, stderr, "should-not-run")
}

func TestExitRequiresWholeToken(t *testing.T) {
	// `exitfoo` is an ordinary (nonexistent) command, not a
	// termination directive; the loop keeps going and the next line
	// still runs.
	stdout, stderr := runScript(t, config.Config{}, "exitfoo\necho alive\nexit\n")
	assert.Contains(t, stderr, "pipesh:")
	assert.Contains(t, stdout, "alive")
}

func TestExitWithArguments(t *testing.T) {
	_, stderr := runScript(t, config.Config{}, "exit 0\n")
	assert.Empty(t, stderr)
}

func TestEndOfInputStopsLoop(t *testing.T) {
	_, stderr := runScript(t, config.Config{}, "")
	assert.Empty(t, stderr)
}

func TestBlankLinesReprompt(t *testing.T) {
	_, stderr := runScript(t, config.Config{}, "\n   \n\t\nexit\n")
	assert.Empty(t, stderr)
}

func TestSingleCommand(t *testing.T) {
	stdout, stderr := runScript(t, config.Config{}, "echo hello\nexit\n")
	assert.Contains(t, stdout, "hello")
	assert.Empty(t, stderr)
}

func TestPipelineEndToEnd(t *testing.T) {
	stdout, stderr := runScript(t, config.Config{}, "echo hello | tr a-z A-Z\necho again\nexit\n")
	assert.Contains(t, stdout, "HELLO")
	// The loop re-prompted and executed the next line.
	assert.Contains(t, stdout, "again")
	assert.Empty(t, stderr)
}

func TestTooManyCommandsSpawnsNothing(t *testing.T) {
	cfg := config.Config{MaxCommands: 2}
	stdout, stderr := runScript(t, cfg, "echo a | cat | cat\nexit\n")
	assert.Contains(t, stderr, "too many commands")
	assert.NotContains(t, stdout, "a\n")
}

func TestTooManyArguments(t *testing.T) {
	cfg := config.Config{MaxArgs: 2}
	_, stderr := runScript(t, cfg, "echo 1 2 3\nexit\n")
	assert.Contains(t, stderr, "too many arguments")
}

func TestEmptySegmentIsReported(t *testing.T) {
	stdout, stderr := runScript(t, config.Config{}, "echo x | | cat\nexit\n")
	assert.Contains(t, stderr, "empty command")
	assert.NotContains(t, stdout, "x\n")
}

func TestCommandNotFoundKeepsLoopAlive(t *testing.T) {
	stdout, stderr := runScript(t, config.Config{},
		"pipesh-no-such-program-xyzzy\necho recovered\nexit\n")
	assert.Contains(t, stderr, "pipesh:")
	assert.Contains(t, stdout, "recovered")
}

func TestFailedStageDoesNotKillSiblings(t *testing.T) {
	// The middle stage can't be executed; the outer stages still run
	// and every worker is reaped before the loop continues.
	stdout, _ := runScript(t, config.Config{},
		"echo doomed | pipesh-no-such-program-xyzzy | cat\necho next\nexit\n")
	assert.Contains(t, stdout, "next")
}
