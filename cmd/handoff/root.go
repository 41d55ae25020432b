package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/caffeineduck/handoff/abi"
	"github.com/caffeineduck/handoff/engine"
	"github.com/caffeineduck/handoff/host"
	"github.com/caffeineduck/handoff/internal/logging"
	"github.com/caffeineduck/handoff/memory"
)

var rootCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Pattern and string calls across a WebAssembly boundary",
	Long: `handoff - Compile patterns, count matches and transform strings in a
callee reached across a WebAssembly boundary.

The callee is native Go served through wasm linear memory by default, or
any guest .wasm exporting the boundary ABI (--module). Every call writes
UTF-8 into callee memory and frees what the callee hands back.`,
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return configErr },
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configErr error

var persistentKeys = []string{
	"config", "module", "backend", "engine", "prefix", "memory",
	"timeout", "no-cache", "log.level", "log.format",
}

func init() {
	cobra.OnInitialize(loadConfig)

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default: handoff.yaml in . or ~/.config/handoff)")
	pf.StringP("module", "m", "", "Guest .wasm exporting the boundary ABI (default: native)")
	pf.String("backend", "native", "Callee without --module: native, inprocess")
	pf.StringP("engine", "e", engine.NameRE2, "Pattern engine: "+strings.Join(engine.Names(), ", "))
	pf.String("prefix", abi.DefaultPrefix, "Text prepend puts in front of its input")
	pf.String("memory", "256MB", "Callee memory limit, e.g. 16MB, 1GB (0 for none)")
	pf.Duration("timeout", 30*time.Second, "Timeout for each call into the callee")
	pf.Bool("no-cache", false, "Disable compilation cache")
	pf.String("log.level", "warn", "Log level: "+strings.Join(logging.Levels, ", "))
	pf.String("log.format", "logfmt", "Log format: logfmt, json")
}

// conf resolves settings in the order flag, environment (HANDOFF_*),
// config file, default. It is rebuilt on every execution.
var conf = viper.New()

func loadConfig() {
	v := viper.New()
	pf := rootCmd.PersistentFlags()
	for _, key := range persistentKeys {
		_ = v.BindPFlag(key, pf.Lookup(key))
	}
	v.SetEnvPrefix("HANDOFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("handoff")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "handoff"))
		}
	}

	configErr = nil
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			configErr = errors.Wrap(err, "read config")
		}
	}
	conf = v
}

// settings is the resolved configuration of one command run.
type settings struct {
	module    string
	backend   string
	engine    engine.Engine
	prefix    string
	maxPages  uint32
	timeout   time.Duration
	noCache   bool
	logLevel  string
	logFormat string
}

func loadSettings() (settings, error) {
	e, err := engine.ByName(conf.GetString("engine"))
	if err != nil {
		return settings{}, err
	}
	pages, err := parseMemoryLimit(conf.GetString("memory"))
	if err != nil {
		return settings{}, err
	}
	return settings{
		module:    conf.GetString("module"),
		backend:   conf.GetString("backend"),
		engine:    e,
		prefix:    conf.GetString("prefix"),
		maxPages:  pages,
		timeout:   conf.GetDuration("timeout"),
		noCache:   conf.GetBool("no-cache"),
		logLevel:  conf.GetString("log.level"),
		logFormat: conf.GetString("log.format"),
	}, nil
}

// parseMemoryLimit converts a size such as "16MB" to 64 KiB pages, rounding
// up. "0" and "" mean no limit.
func parseMemoryLimit(s string) (uint32, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(s)); err != nil {
		return 0, errors.Wrapf(err, "invalid memory limit %q", s)
	}
	pages := (size.Bytes() + memory.PageSize - 1) / memory.PageSize
	if pages == 0 || pages > memory.MaxPages {
		return 0, errors.Errorf("memory limit %q out of range (64KB to 4GB)", s)
	}
	return uint32(pages), nil
}

func newLogger(w io.Writer, s settings) (log.Logger, error) {
	return logging.New(w, s.logLevel, s.logFormat)
}

// session is an open library and whatever it runs on.
type session struct {
	lib     *host.Library
	runtime *host.Runtime
	logger  log.Logger
	cfg     settings
}

func (s *session) Close(ctx context.Context) {
	if err := s.lib.Close(ctx); err != nil {
		level.Warn(s.logger).Log("msg", "close library", "err", err)
	}
	if s.runtime != nil {
		s.runtime.Close()
	}
}

// openSession builds the callee selected by the configuration and wraps it
// in a library.
func openSession(ctx context.Context, cmd *cobra.Command, opts ...host.Option) (*session, error) {
	cfg, err := loadSettings()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg)
	if err != nil {
		return nil, err
	}

	abiOpts := []abi.Option{abi.WithEngine(cfg.engine), abi.WithPrefix(cfg.prefix)}
	s := &session{logger: logger, cfg: cfg}

	var exp host.Exports
	switch {
	case cfg.module != "":
		if s.runtime, err = newRuntime(cfg, logger); err != nil {
			return nil, err
		}
		guest, err := host.GuestFile(cfg.module)
		if err == nil {
			exp, err = s.runtime.Load(ctx, guest)
		}
		if err != nil {
			s.runtime.Close()
			return nil, err
		}
		level.Debug(logger).Log("msg", "engine and prefix are chosen by the guest", "module", cfg.module)
	case cfg.backend == "native":
		if s.runtime, err = newRuntime(cfg, logger); err != nil {
			return nil, err
		}
		if exp, err = s.runtime.Native(ctx, abiOpts...); err != nil {
			s.runtime.Close()
			return nil, err
		}
	case cfg.backend == "inprocess":
		abiOpts = append(abiOpts, abi.WithLogger(logger))
		exp = host.InProcess(abi.New(memory.NewLinear(1, cfg.maxPages), abiOpts...))
	default:
		return nil, errors.Errorf("unknown backend %q: use native or inprocess", cfg.backend)
	}

	opts = append([]host.Option{host.WithTimeout(cfg.timeout), host.WithLibraryLogger(logger)}, opts...)
	s.lib, err = host.NewLibrary(ctx, exp, opts...)
	if err != nil {
		exp.Close(ctx)
		if s.runtime != nil {
			s.runtime.Close()
		}
		return nil, err
	}
	return s, nil
}

func newRuntime(cfg settings, logger log.Logger) (*host.Runtime, error) {
	opts := []host.RuntimeOption{host.WithLogger(logger)}
	if !cfg.noCache {
		opts = append(opts, host.WithDiskCache())
	}
	if cfg.maxPages > 0 {
		opts = append(opts, host.WithMemoryLimit(cfg.maxPages))
	}
	return host.New(opts...)
}

// readInput returns the named file, the inline text or stdin, in that order.
func readInput(cmd *cobra.Command, file, inline string) (string, error) {
	switch {
	case inline != "":
		return inline, nil
	case file != "" && file != "-":
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
}
