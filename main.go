package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"

	"gorelro/common"
	"gorelro/relro"
)

// Config holds the parsed command line.
type Config struct {
	Verbose     bool
	DryRun      bool
	FixedBase   bool
	ShowHelp    bool
	ShowVersion bool
	Target      string
}

const versionString = "gorelro, version 0.3 (RELRO for static x86 executables)"

var errUsage = errors.New("usage")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr, afero.NewOsFs()))
}

func newFlagSet(config *Config, stderr io.Writer) *flag.FlagSet {
	flags := flag.NewFlagSet("gorelro", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.BoolVarP(&config.Verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVarP(&config.DryRun, "dry-run", "n", false, "Print the injection plan without modifying the file")
	flags.BoolVar(&config.FixedBase, "fixed-base", false, "Place the stub at the legacy fixed base 0x0c000000 + file size")
	flags.BoolVarP(&config.ShowHelp, "help", "h", false, "Display this help and exit")
	flags.BoolVar(&config.ShowVersion, "version", false, "Display version information and exit")
	flags.Usage = func() {
		_, _ = fmt.Fprintln(stderr, "Usage: gorelro [OPTIONS] FILE")
		_, _ = fmt.Fprintln(stderr, "Make the relro region of a static executable read-only before main runs.")
		_, _ = fmt.Fprintln(stderr, "")
		_, _ = fmt.Fprintln(stderr, "Options:")
		flags.PrintDefaults()
		_, _ = fmt.Fprintln(stderr, "")
		_, _ = fmt.Fprintln(stderr, "Examples:")
		_, _ = fmt.Fprintln(stderr, "  gorelro ./server            # Harden in place")
		_, _ = fmt.Fprintln(stderr, "  gorelro -n -v ./server      # Show what would change")
	}
	return flags
}

func parseFlags(args []string, stderr io.Writer) (*Config, *flag.FlagSet, error) {
	config := &Config{}
	flags := newFlagSet(config, stderr)
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			config.ShowHelp = true
			return config, flags, nil
		}
		return nil, flags, fmt.Errorf("%w: %w", errUsage, err)
	}
	if config.ShowHelp || config.ShowVersion {
		return config, flags, nil
	}
	if flags.NArg() != 1 {
		return nil, flags, fmt.Errorf("%w: expected exactly one executable, got %d", errUsage, flags.NArg())
	}
	config.Target = flags.Arg(0)
	return config, flags, nil
}

func run(args []string, stdout, stderr io.Writer, fs afero.Fs) int {
	config, flags, err := parseFlags(args, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		flags.Usage()
		return 1
	}
	if config.ShowHelp {
		flags.Usage()
		return 0
	}
	if config.ShowVersion {
		_, _ = fmt.Fprintln(stdout, versionString)
		return 0
	}

	logger := common.NewLogger(config.Verbose)
	logger.SetOutput(stderr)
	opts := relro.Options{Logger: logger, Fs: fs}
	if config.FixedBase {
		opts.Placement = relro.PlacementFixedBase
	}

	if config.DryRun {
		details, err := relro.DescribeELF(config.Target, opts)
		if err != nil {
			return fail(logger, err)
		}
		_, _ = fmt.Fprintln(stdout, common.FormatOperationResult("Injection plan for "+config.Target, details))
		_, _ = fmt.Fprintf(stdout, "%s: %s\n", config.Target, common.NewSkipped("dry run"))
		return 0
	}

	result, err := relro.HardenELF(config.Target, opts)
	if err != nil {
		return fail(logger, err)
	}
	_, _ = fmt.Fprintf(stdout, "%s: %s\n", config.Target, result)
	return 0
}

func fail(logger *logrus.Logger, err error) int {
	entry := logger.WithError(err)
	if kind := common.Kind(err); kind != nil {
		entry = entry.WithField("kind", kind.Error())
	}
	entry.Error("hardening failed")
	return 1
}
