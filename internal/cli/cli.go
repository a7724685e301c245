// Package cli is the crossforge command line.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gookit/color"

	"crossforge/internal/config"
	"crossforge/internal/msg"
)

// Version is set at link time.
var Version = "dev"

// errUsage marks a command line the user got wrong; Run exits 2 for it.
var errUsage = errors.New("usage")

type cmdInfo struct {
	Cmd  string
	Args string
	Desc string
}

var commands = []cmdInfo{
	{"version", "", "Version information"},
	{"archs", "[-api N]", "List the supported architectures"},
	{"plan", "<component...>", "Resolve and print the build order"},
	{"build, b", "[options] <component...>", "Build components for every target architecture"},
	{"env", "<component> <arch>", "Show the compiler environment, layer by layer"},
	{"status", "[-arch list]", "Show stored build records"},
	{"log", "[-arch a] <component>", "Show the log of a failed build step"},
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, msg.Success.Sprint("Usage: crossforge <command> [arguments]"))
	fmt.Fprintln(w, msg.Success.Sprint("Run 'crossforge <command> -h' for the options of a command"))
	fmt.Fprintln(w)
	fmt.Fprintln(w, color.Info.Sprint("Available Commands:"))

	width := 0
	for _, c := range commands {
		width = max(width, len(c.Cmd)+len(c.Args)+1)
	}
	width += 4
	for _, c := range commands {
		plain := c.Cmd
		styled := color.Bold.Sprint(c.Cmd)
		if c.Args != "" {
			plain += " " + c.Args
			styled += " " + color.Cyan.Sprint(c.Args)
		}
		fmt.Fprintf(w, "  %s%s%s\n", styled, strings.Repeat(" ", max(width-len(plain), 1)), color.Info.Sprint(c.Desc))
	}
	fmt.Fprintln(w)
}

// Main is the entry point of the crossforge binary.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		fmt.Fprint(os.Stderr, msg.Arrow.Sprint("\n-> "))
		fmt.Fprintln(os.Stderr, color.Danger.Sprintf("Received %v. Stopping after the running build steps are killed", sig))
		cancel()
		<-sigs
		fmt.Fprint(os.Stderr, msg.Arrow.Sprint("\n-> "))
		fmt.Fprintln(os.Stderr, color.Danger.Sprint("Second interrupt received. Forcing immediate exit."))
		os.Exit(130)
	}()

	code := Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

// Run executes one command and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printHelp(stdout)
		return 0
	}
	a := &app{stdout: stdout, stderr: stderr, out: msg.NewPrinter(stderr)}
	msg.SetDebugOutput(stderr)

	var err error
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "crossforge %s\n", Version)
	case "help", "-h", "--help":
		printHelp(stdout)
	case "archs":
		err = a.archs(args[1:])
	case "plan":
		err = a.plan(args[1:])
	case "build", "b":
		err = a.build(ctx, args[1:])
	case "env":
		err = a.env(args[1:])
	case "status":
		err = a.status(args[1:])
	case "log":
		err = a.log(args[1:])
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printHelp(stderr)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, errUsage):
		fmt.Fprintln(stderr, err)
		return 2
	}
	a.out.Failf("%v", err)
	return 1
}

type app struct {
	stdout io.Writer
	stderr io.Writer
	out    *msg.Printer
}

// common holds the flags every command accepts.
type common struct {
	configPath string
	debug      bool
}

func (a *app) flagSet(name string, c *common) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.StringVar(&c.configPath, "config", config.DefaultFile, "configuration file")
	fs.BoolVar(&c.debug, "debug", false, "print debug output")
	return fs
}

func (c *common) load() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	msg.SetDebug(c.debug || cfg.Debug())
	return cfg, nil
}

func usagef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}
