// Package shellparse turns one line of input into a pipeline of commands.
//
// The grammar is deliberately tiny: commands are separated by `|`, and a
// command is a program name followed by whitespace-separated arguments.
// There is no quoting, redirection, variable expansion or globbing.
package shellparse

import (
	"errors"
	"fmt"
	"strings"
)

// Default capacity limits, applied when a Limits field is zero.
const (
	DefaultMaxCommands = 10
	DefaultMaxArgs     = 20
	DefaultMaxLineLen  = 1024
)

var (
	// ErrTooManyCommands is returned when a line contains more
	// pipe-separated commands than Limits.MaxCommands allows.
	ErrTooManyCommands = errors.New("too many commands in pipeline")

	// ErrTooManyArguments is returned when a single command has more
	// tokens than Limits.MaxArgs allows.
	ErrTooManyArguments = errors.New("too many arguments in command")

	// ErrEmptySegment is returned when a pipe delimiter has nothing on
	// one of its sides, e.g. `ls | | wc` or `ls |`.
	ErrEmptySegment = errors.New("empty command between pipes")

	// ErrLineTooLong is returned when the input line exceeds
	// Limits.MaxLineLen bytes.
	ErrLineTooLong = errors.New("input line too long")
)

// Limits are the capacity bounds enforced by Parse. Overflow is a typed
// error, never silent truncation. Zero fields fall back to the defaults.
type Limits struct {
	MaxCommands int
	MaxArgs     int
	MaxLineLen  int
}

func (l Limits) withDefaults() Limits {
	if l.MaxCommands == 0 {
		l.MaxCommands = DefaultMaxCommands
	}
	if l.MaxArgs == 0 {
		l.MaxArgs = DefaultMaxArgs
	}
	if l.MaxLineLen == 0 {
		l.MaxLineLen = DefaultMaxLineLen
	}
	return l
}

// Command is one parsed command: the program name followed by its
// arguments. It is never empty.
type Command struct {
	Args []string
}

// Name returns the program name of the command.
func (c Command) Name() string {
	return c.Args[0]
}

func (c Command) String() string {
	return strings.Join(c.Args, " ")
}

// Pipeline is an ordered sequence of commands from a single input line.
// An empty Pipeline means the line was blank; it must not be executed.
type Pipeline []Command

// Parse splits a raw input line into a Pipeline. A line that is entirely
// blank parses to an empty Pipeline; a blank segment *between* pipe
// delimiters (or at either edge of one) is ErrEmptySegment.
func Parse(line string, lim Limits) (Pipeline, error) {
	lim = lim.withDefaults()

	if len(line) > lim.MaxLineLen {
		return nil, fmt.Errorf("%w (%d > %d bytes)", ErrLineTooLong, len(line), lim.MaxLineLen)
	}

	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, nil
	}

	segments := strings.Split(line, "|")
	if len(segments) > lim.MaxCommands {
		return nil, fmt.Errorf("%w (%d > %d)", ErrTooManyCommands, len(segments), lim.MaxCommands)
	}

	pipeline := make(Pipeline, 0, len(segments))
	for i, segment := range segments {
		args := strings.Fields(segment)
		if len(args) == 0 {
			return nil, fmt.Errorf("%w (segment %d)", ErrEmptySegment, i+1)
		}
		if len(args) > lim.MaxArgs {
			return nil, fmt.Errorf("%w (%q has %d > %d)", ErrTooManyArguments, args[0], len(args), lim.MaxArgs)
		}
		pipeline = append(pipeline, Command{Args: args})
	}

	return pipeline, nil
}

// IsExit reports whether the line is the termination directive. The whole
// first token must be `exit`; `exitfoo` is an ordinary command.
func IsExit(line string) bool {
	fields := strings.Fields(line)
	return len(fields) > 0 && fields[0] == "exit"
}
