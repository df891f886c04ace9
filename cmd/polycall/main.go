// polycall CLI - load code units and call their functions from the shell
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/chazu/polycall"
	"github.com/chazu/polycall/codec"
	"github.com/chazu/polycall/config"
	"github.com/chazu/polycall/core"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("polycall", flag.ContinueOnError)
	fs.SetOutput(stderr)
	verbosity := fs.Int("v", 0, "Log verbosity (-4 quiet .. 2 debug)")
	configPath := fs.String("config", os.Getenv(config.ConfigEnv), "Runtime configuration file (TOML)")
	format := fs.String("format", "yaml", "Output format for inspect and call: yaml or text")
	timeout := fs.Duration("timeout", 30*time.Second, "How long call waits for a future result")
	var paths pathList
	fs.Var(&paths, "I", "Add an execution path as tag=dir (repeatable)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: polycall [options] <command> [units...] [-- function args...]\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		fmt.Fprintf(stderr, "  inspect units...                 Load units and list their functions and classes\n")
		fmt.Fprintf(stderr, "  call units... -- fn [args...]    Load units and call fn; args are YAML scalars\n")
		fmt.Fprintf(stderr, "  version                          Print the version\n")
		fmt.Fprintf(stderr, "\nA unit is tag:path or a path whose tag follows from its extension\n")
		fmt.Fprintf(stderr, "(.lua, .js, .sql, .so), a package directory with polycall.toml, or a\n")
		fmt.Fprintf(stderr, "YAML load configuration file.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  polycall inspect math.lua queries.sql\n")
		fmt.Fprintf(stderr, "  polycall call math.lua -- add 2 3\n")
		fmt.Fprintf(stderr, "  polycall -I lua=./scripts call lua:math.lua -- greet '{name: ann}'\n")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	out := &printer{w: stdout, color: isTerminal(stdout), format: *format}
	errOut := &printer{w: stderr, color: isTerminal(stderr)}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	if cmd == "version" {
		fmt.Fprintf(stdout, "polycall %s\n", version)
		return 0
	}
	if cmd != "inspect" && cmd != "call" {
		errOut.errorf("unknown command %q", cmd)
		return 2
	}
	if *format != "yaml" && *format != "text" {
		errOut.errorf("unknown format %q", *format)
		return 2
	}

	units, callArgs := splitArgs(rest)
	if cmd == "call" && len(callArgs) == 0 {
		errOut.errorf("call needs a function name after --")
		return 2
	}

	var opts []polycall.Option
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "v" {
			opts = append(opts, polycall.WithVerbosity(*verbosity))
		}
	})
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			errOut.errorf("%v", err)
			return 1
		}
		opts = append(opts, polycall.WithConfig(cfg))
	}
	for _, p := range paths {
		opts = append(opts, polycall.WithExecutionPath(p.tag, p.dir))
	}

	rt, err := polycall.Initialize(opts...)
	if err != nil {
		errOut.errorf("%v", err)
		return 1
	}
	defer func() {
		if err := rt.Destroy(); err != nil {
			errOut.errorf("destroy: %v", err)
		}
	}()

	for _, arg := range units {
		u, err := parseUnit(arg)
		if err != nil {
			errOut.errorf("%v", err)
			return 1
		}
		if err := u.load(rt); err != nil {
			errOut.loadError(arg, err)
			return 1
		}
	}

	switch cmd {
	case "inspect":
		if err := out.inspection(rt.Inspect()); err != nil {
			errOut.errorf("%v", err)
			return 1
		}
	case "call":
		fnArgs, err := parseValues(callArgs[1:])
		if err != nil {
			errOut.errorf("%v", err)
			return 1
		}
		result, err := callAndWait(rt, callArgs[0], fnArgs, *timeout)
		if err != nil {
			errOut.callError(err)
			return 1
		}
		if err := out.value(result); err != nil {
			errOut.errorf("%v", err)
			return 1
		}
	}
	return 0
}

// callAndWait calls fn and, when it returns a future, waits for the settled
// value.
func callAndWait(rt *polycall.Runtime, fn string, args []any, timeout time.Duration) (any, error) {
	v, err := rt.CallUntyped(fn, args...)
	if err != nil {
		return nil, err
	}
	fut, ok := v.(*codec.Future)
	if !ok {
		return v, nil
	}
	defer fut.Release()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return polycall.Await(ctx, fut)
}

// splitArgs separates units from the call after "--".
func splitArgs(args []string) (units, call []string) {
	for i, a := range args {
		if a == "--" {
			return args[:i], args[i+1:]
		}
	}
	return args, nil
}

func isTerminal(w io.Writer) bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exceptionOf extracts the exception carried by a call error, if any.
func exceptionOf(err error) (core.ExceptionInfo, bool) {
	var ex *codec.Exception
	if errors.As(err, &ex) {
		return ex.Info(), true
	}
	return core.ExceptionInfo{}, false
}
