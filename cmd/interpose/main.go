package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/k2io/interpose"
	"github.com/k2io/interpose/internal/config"
	"github.com/k2io/interpose/internal/hexbytes"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const usage = `usage: interpose [flags] <command> [args]

commands:
  modules                 list the modules loaded in the process
  resolve <module> <sym>  print the run-time address of a symbol
  check                   verify every manifest patch lands inside a loaded module

flags:
`

func main() {
	var (
		pid          int
		manifestPath string
		logLevel     string
		showVersion  bool
	)

	flag.IntVar(&pid, "pid", 0, "target process id (default: this process)")
	flag.StringVar(&manifestPath, "manifest", "", "path to the patch manifest")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if showVersion {
		fmt.Printf("interpose %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.DefaultConfig()
	if manifestPath != "" {
		var err error
		if cfg, err = config.Load(manifestPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load manifest: %v\n", err)
			os.Exit(1)
		}
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if pid != 0 {
		if err := describeProcess(pid, logger); err != nil {
			logger.Fatal("no such process", zap.Int("pid", pid), zap.Error(err))
		}
	}

	r := interpose.NewResolver(interpose.ForProcess(pid), interpose.WithResolverLogger(logger))
	args := flag.Args()
	switch args[0] {
	case "modules":
		err = listModules(r)
	case "resolve":
		if len(args) != 3 {
			flag.Usage()
			os.Exit(2)
		}
		err = resolve(r, args[1], args[2])
	case "check":
		if manifestPath == "" {
			logger.Fatal("check needs -manifest")
		}
		err = check(r, cfg, logger)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("command failed", zap.String("command", args[0]), zap.Error(err))
		os.Exit(1)
	}
}

// describeProcess fails if pid does not exist and logs its name otherwise.
func describeProcess(pid int, logger *zap.Logger) error {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	fields := []zap.Field{zap.Int("pid", pid)}
	if name, err := proc.Name(); err != nil {
		fields = append(fields, zap.NamedError("nameError", err))
	} else {
		fields = append(fields, zap.String("name", name))
	}
	logger.Debug("target process", fields...)
	return nil
}

func listModules(r *interpose.Resolver) error {
	mods, err := r.Modules()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "BASE\tEND\tNAME\tPATH")
	for _, m := range mods {
		fmt.Fprintf(w, "%#x\t%#x\t%s\t%s\n", m.Base, m.End, m.Name, m.Path)
	}
	return w.Flush()
}

func resolve(r *interpose.Resolver, module, symbol string) error {
	sym, err := r.Resolve(module, symbol)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%#x\t+%#x\t%d\n", sym, sym.Addr, sym.Addr-sym.Module.Base, sym.Size)
	return nil
}

// check resolves the module of every patch and reports those that would
// fail with ModuleNotFound or OutOfBounds. Nothing is written.
func check(r *interpose.Resolver, cfg *config.Config, logger *zap.Logger) error {
	var errs error
	for i, pc := range cfg.Patches {
		b, _ := hexbytes.Parse(pc.Bytes)
		p, err := interpose.NewPatchBytes(cfg.ModuleFor(pc), uintptr(pc.Offset), b)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		p.Name = pc.Name
		mod, err := r.OpenModule(p.Module)
		if err != nil {
			errs = multierr.Append(errs, &interpose.PatchError{Patch: p, Err: err})
			continue
		}
		if !mod.Contains(p.Offset, p.Len()) {
			errs = multierr.Append(errs, &interpose.PatchError{
				Patch: p,
				Err:   fmt.Errorf("%w: module is %#x bytes", interpose.ErrOutOfBounds, mod.Size()),
			})
			continue
		}
		logger.Info("patch ok",
			zap.Int("index", i),
			zap.Stringer("patch", p),
			zap.Uintptr("addr", mod.Addr(p.Offset)),
		)
	}
	if errors.Is(errs, interpose.ErrModuleNotFound) {
		logger.Warn("modules are matched among those already loaded; start the target first")
	}
	return errs
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
