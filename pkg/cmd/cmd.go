package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/butter-bot-machines/kestrel/internal/builtins"
	"github.com/butter-bot-machines/kestrel/pkg/acct"
	"github.com/butter-bot-machines/kestrel/pkg/acct/sqlite"
	"github.com/butter-bot-machines/kestrel/pkg/config"
	"github.com/butter-bot-machines/kestrel/pkg/kernel"
	"github.com/butter-bot-machines/kestrel/pkg/logging"
)

const Version = "0.1.0"

// RootDir is the host directory init creates for the boot filesystem
const RootDir = "root"

// ExitError reports a program that exited with a nonzero code
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// CLI represents the command-line interface
type CLI struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	// logger overrides the one built from the configuration
	logger logging.Logger
}

// NewCLI creates a CLI bound to the host's standard streams
func NewCLI() *CLI {
	return &CLI{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

// Run executes the CLI with the given arguments
func (c *CLI) Run(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("expected 'init', 'run', 'acct' or 'version' subcommands")
	}

	switch args[0] {
	case "init":
		return c.Init(args[1:])
	case "run":
		return c.RunProgram(args[1:])
	case "acct":
		return c.Acct(args[1:])
	case "version":
		return c.Version(args[1:])
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// Init creates a kestrel directory: a configuration booting from a host
// directory, and that directory with the built-in programs installed
func (c *CLI) Init(args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory: %w", err)
	}

	root := filepath.Join(dir, RootDir)
	for _, d := range []string{root, filepath.Join(root, "tmp")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", d, err)
		}
	}
	if err := builtins.Install(hostDir(root)); err != nil {
		return fmt.Errorf("failed to install programs: %w", err)
	}

	cfg := config.Defaults()
	cfg.Mounts = []config.Mount{{Name: RootDir, Type: config.MountEmuFS, Source: RootDir}}
	cfg.Boot.BootFS = RootDir
	cfg.Accounting = config.AccountingConfig{Driver: config.AcctSQLite, Path: "acct.db"}

	// Relative paths resolve against the directory holding the file
	path := filepath.Join(dir, config.FileName)
	if err := config.Save(path, cfg); err != nil {
		return fmt.Errorf("failed to write %s: %w", config.FileName, err)
	}

	fmt.Fprintf(c.stdout, "Initialized kestrel in %s\n", dir)
	return nil
}

// RunProgram boots a kernel, runs one program on the console and shuts
// down. A nonzero exit code comes back as an *ExitError.
func (c *CLI) RunProgram(args []string) error {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	flags.SetOutput(c.stderr)
	configPath := flags.String("config", "", "configuration file")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() < 1 {
		return fmt.Errorf("run: expected a program")
	}

	cfg, err := c.loadConfig(*configPath)
	if err != nil {
		return err
	}

	k, err := kernel.Boot(cfg, kernel.Options{
		Logger: c.logger,
		Stdin:  c.stdin,
		Stdout: c.stdout,
	})
	if err != nil {
		return fmt.Errorf("failed to boot: %w", err)
	}

	code, runErr := k.Run(programPath(flags.Arg(0)), flags.Args()[1:]...)
	if err := k.Shutdown(); err != nil {
		fmt.Fprintf(c.stderr, "shutdown: %v\n", err)
	}
	if runErr != nil {
		return fmt.Errorf("failed to run %s: %w", flags.Arg(0), runErr)
	}

	fmt.Fprintf(c.stdout, "exit status %d\n", code)
	if code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

// programPath turns a bare name into a path in the built-in directory
func programPath(name string) string {
	if strings.ContainsAny(name, "/:") {
		return name
	}
	return builtins.BinDir + "/" + name
}

// Acct prints the accounting records of past runs
func (c *CLI) Acct(args []string) error {
	flags := flag.NewFlagSet("acct", flag.ContinueOnError)
	flags.SetOutput(c.stderr)
	configPath := flags.String("config", "", "configuration file")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := c.loadConfig(*configPath)
	if err != nil {
		return err
	}
	if cfg.Accounting.Driver != config.AcctSQLite {
		return fmt.Errorf("accounting driver %q keeps no records between runs", cfg.Accounting.Driver)
	}

	rec, err := sqlite.Open(cfg.Accounting.Path)
	if err != nil {
		return fmt.Errorf("failed to open accounting database: %w", err)
	}
	defer rec.Close()

	entries, err := rec.List(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list accounting records: %w", err)
	}
	return printEntries(c.stdout, entries)
}

func printEntries(w io.Writer, entries []acct.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tPPID\tNAME\tSTATUS\tDISPOSITION\tEXITED\tDURATION")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%s\t%s\t%s\n",
			e.PID, e.PPID, e.Name, e.Status, e.Disposition,
			e.Exited.Local().Format(time.DateTime), e.Duration())
	}
	return tw.Flush()
}

// Version displays version information
func (c *CLI) Version(args []string) error {
	fmt.Fprintf(c.stdout, "kestrel version %s\n", Version)
	return nil
}

// loadConfig loads path, or the nearest kestrel.yaml, or the defaults
// when there is none
func (c *CLI) loadConfig(path string) (*config.Config, error) {
	if path == "" {
		found, err := findConfig()
		if err != nil {
			return config.Defaults(), nil
		}
		path = found
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// findConfig finds the nearest kestrel.yaml
func findConfig() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}

	for {
		path := filepath.Join(dir, config.FileName)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found", config.FileName)
		}
		dir = parent
	}
}

// hostDir installs files under a host directory
type hostDir string

func (d hostDir) WriteFile(p string, data []byte, perm fs.FileMode) error {
	host := filepath.Join(string(d), filepath.FromSlash(p))
	if err := os.MkdirAll(filepath.Dir(host), 0755); err != nil {
		return err
	}
	return os.WriteFile(host, data, perm)
}
