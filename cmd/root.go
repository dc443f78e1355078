package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/abiosoft/readline"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/pipesh/pipesh/config"
	"github.com/pipesh/pipesh/shell"
)

var (
	appName  = "pipesh"
	appUsage = `A minimal pipeline shell: reads one command line at a time,
runs its pipe-separated commands as concurrent worker processes, and
prompts again once every worker has been reaped.`

	// log is created in Before and synced in After.
	log *zap.Logger

	rootApp = &cli.App{
		Name:            appName,
		Usage:           appUsage,
		HideHelpCommand: true,
		Flags: []cli.Flag{
			// general flags
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a dotenv-style config file.",
				Aliases: []string{"f"},
				EnvVars: []string{"PIPESH_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "set the log level. Options: debug, info, warn, error, panic, fatal.",
				EnvVars: []string{"PIPESH_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "set the log format. Options: production, development.",
				EnvVars: []string{"PIPESH_LOG_FORMAT"},
			},
			// shell flags
			&cli.StringFlag{
				Name:     "prompt",
				Usage:    "the prompt printed before each input line.",
				Category: "shell",
			},
			&cli.IntFlag{
				Name:     "max-commands",
				Usage:    "maximum number of pipe-separated commands per line.",
				Category: "shell",
			},
			&cli.IntFlag{
				Name:     "max-args",
				Usage:    "maximum number of tokens per command.",
				Category: "shell",
			},
			&cli.IntFlag{
				Name:     "max-line-len",
				Usage:    "maximum input line length, in bytes.",
				Category: "shell",
			},
			// worker flags
			&cli.DurationFlag{
				Name:     "stall-timeout",
				Usage:    "kill workers that run longer than this. Zero disables the watchdog.",
				Category: "worker",
			},
			&cli.Int64Flag{
				Name:     "memory-limit",
				Usage:    "kill a worker whose process tree exceeds this many bytes (linux only).",
				Category: "worker",
			},
		},
		Before: func(ctx *cli.Context) error {
			l, err := createLogger(ctx)
			if err != nil {
				return err
			}

			log = l

			return nil
		},
		After: func(ctx *cli.Context) error {
			if log != nil {
				log.Sync()
			}
			return nil
		},
		Action: rootAction,
	}
)

func init() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:               "version",
		Usage:              "print the version",
		DisableDefaultText: true,
	}
}

type ExecuteParams struct {
	Version string
}

func Execute(params ExecuteParams) {
	rootApp.Version = params.Version

	run(context.Background(), os.Args)
}

func run(ctx context.Context, args []string) {
	err := rootApp.RunContext(ctx, args)
	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "%s: %s\n", appName, err.Error())

	os.Exit(1)
}

func rootAction(ctx *cli.Context) error {
	cfg, err := config.Load(config.LoadOptions{
		File: ctx.String("config"),
		Log:  log,
	})
	if err != nil {
		return err
	}

	applyFlagOverrides(ctx, &cfg)

	sh, err := shell.New(shell.Options{
		Config:      cfg,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		Interactive: readline.IsTerminal(int(os.Stdin.Fd())),
		Log:         log,
	})
	if err != nil {
		return err
	}
	defer sh.Close()

	return sh.Run(ctx.Context)
}

// applyFlagOverrides lets explicit command line flags win over the file
// and environment layers.
func applyFlagOverrides(ctx *cli.Context, cfg *config.Config) {
	if ctx.IsSet("prompt") {
		cfg.Prompt = ctx.String("prompt")
	}
	if ctx.IsSet("max-commands") {
		cfg.MaxCommands = ctx.Int("max-commands")
	}
	if ctx.IsSet("max-args") {
		cfg.MaxArgs = ctx.Int("max-args")
	}
	if ctx.IsSet("max-line-len") {
		cfg.MaxLineLen = ctx.Int("max-line-len")
	}
	if ctx.IsSet("stall-timeout") {
		cfg.StallTimeout = ctx.Duration("stall-timeout")
	}
	if ctx.IsSet("memory-limit") {
		cfg.MemoryLimit = ctx.Int64("memory-limit")
	}
}

func createLogger(ctx *cli.Context) (*zap.Logger, error) {
	level := getLogLevelFromCLI(ctx)
	format := getLogFormatFromCLI(ctx)

	var config zap.Config
	if format == "development" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	config.InitialFields = map[string]any{
		"app": appName,
	}

	config.Level = level

	// The prompt and worker output own stdout; logs go to stderr.
	config.OutputPaths = []string{"stderr"}

	return config.Build()
}

func getLogFormatFromCLI(ctx *cli.Context) string {
	format := ctx.String("log-format")
	if format != "" {
		return format
	}

	return "production"
}

func getLogLevelFromCLI(ctx *cli.Context) zap.AtomicLevel {
	lvl := ctx.String("log-level")

	if atom, err := zap.ParseAtomicLevel(lvl); err == nil {
		return atom
	}

	return zap.NewAtomicLevelAt(zap.InfoLevel)
}
