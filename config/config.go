// Package config loads the shell's configuration, layering defaults,
// an optional dotenv file and environment variables.
package config

import (
	"os"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// EnvPrefix is the prefix for environment variables, e.g.
// PIPESH_MAX_COMMANDS.
const EnvPrefix = "PIPESH_"

// Config is the shell's configuration.
type Config struct {
	// Prompt is printed before each input line is read.
	Prompt string `conf:"prompt"`

	// MaxCommands bounds the number of pipe-separated commands per
	// line.
	MaxCommands int `conf:"max_commands"`

	// MaxArgs bounds the number of tokens per command.
	MaxArgs int `conf:"max_args"`

	// MaxLineLen bounds the length of an input line, in bytes.
	MaxLineLen int `conf:"max_line_len"`

	// StallTimeout, if positive, kills a pipeline's workers that run
	// longer than this. Zero disables the watchdog.
	StallTimeout time.Duration `conf:"stall_timeout"`

	// MemoryLimit, if positive, kills a worker whose process tree grows
	// past this many bytes (linux only). Zero disables the limit.
	MemoryLimit int64 `conf:"memory_limit"`

	// LogLevel is the zap log level (debug, info, warn, error, ...).
	LogLevel string `conf:"log_level"`

	// LogFormat selects the zap config: "production" or "development".
	LogFormat string `conf:"log_format"`

	// Cgroup optionally confines workers to a cgroup (linux only).
	Cgroup CgroupConfig `conf:"cgroup"`
}

// CgroupConfig describes optional cgroup containment for workers. It
// is inert unless Memory is positive.
type CgroupConfig struct {
	// Memory is the memory limit in bytes.
	Memory int64 `conf:"memory"`

	// CPUShares is the cgroup v1 CPU weight.
	CPUShares uint64 `conf:"cpu_shares"`

	// Path is the cgroup hierarchy prefix to create groups under.
	Path string `conf:"path"`

	// V2 selects the cgroup v2 backend, which reuses one group for all
	// workers instead of creating one per worker.
	V2 bool `conf:"v2"`

	// CPUQuota and CPUPeriod bound CPU time on the v2 backend, in
	// microseconds per period. Zero means one full CPU.
	CPUQuota  int64  `conf:"cpu_quota"`
	CPUPeriod uint64 `conf:"cpu_period"`
}

// Defaults are the built-in configuration values.
var Defaults = map[string]interface{}{
	"prompt":       "pipesh> ",
	"max_commands": 10,
	"max_args":     20,
	"max_line_len": 1024,
	"log_level":    "info",
	"log_format":   "production",
	"cgroup.path":  "/pipesh/",
}

// LoadOptions control Load.
type LoadOptions struct {
	// File is the path of an optional dotenv-style config file. A
	// missing file is not an error.
	File string

	// Log is the logger to use for non-fatal load problems.
	Log *zap.Logger
}

// Load builds a Config from defaults, then the config file (if any),
// then PIPESH_* environment variables, later layers winning.
func Load(opt LoadOptions) (Config, error) {
	log := opt.Log
	if log == nil {
		log = zap.NewNop()
	}

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(Defaults, "."), nil); err != nil {
		return Config{}, err
	}

	if opt.File != "" {
		if _, err := os.Stat(opt.File); err == nil {
			if err := k.Load(file.Provider(opt.File), dotenv.ParserEnv("", ".", transformEnvKey)); err != nil {
				log.Error("error parsing config file",
					zap.Error(err),
					zap.String("file", opt.File),
				)
				return Config{}, err
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", transformPrefixedEnv), nil); err != nil {
		log.Error("error parsing env vars", zap.Error(err))
		return Config{}, err
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "conf"}); err != nil {
		log.Error("error unmarshalling config", zap.Error(err))
		return Config{}, err
	}

	return cfg, nil
}

func transformPrefixedEnv(s string) string {
	return transformEnvKey(s[len(EnvPrefix):])
}

// transformEnvKey maps MAX_COMMANDS to max_commands and CGROUP__MEMORY
// to cgroup.memory.
func transformEnvKey(s string) string {
	out := make([]rune, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_' && i+1 < len(s) && s[i+1] == '_':
			out = append(out, '.')
			i++
		case c >= 'A' && c <= 'Z':
			out = append(out, rune(c-'A'+'a'))
		default:
			out = append(out, rune(c))
		}
	}
	return string(out)
}
