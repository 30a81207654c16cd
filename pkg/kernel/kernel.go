// Package kernel boots a kestrel instance from its configuration: the
// namespace with its devices and mounts, the scheduler, the process table
// with the kernel process in it, and the system call layer.
package kernel

import (
	"fmt"
	"io"
	"os"

	"github.com/butter-bot-machines/kestrel/internal/builtins"
	"github.com/butter-bot-machines/kestrel/pkg/acct"
	acctmem "github.com/butter-bot-machines/kestrel/pkg/acct/memory"
	"github.com/butter-bot-machines/kestrel/pkg/acct/sqlite"
	asmem "github.com/butter-bot-machines/kestrel/pkg/addrspace/memory"
	"github.com/butter-bot-machines/kestrel/pkg/config"
	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"github.com/butter-bot-machines/kestrel/pkg/file"
	"github.com/butter-bot-machines/kestrel/pkg/logging"
	"github.com/butter-bot-machines/kestrel/pkg/logging/slog"
	"github.com/butter-bot-machines/kestrel/pkg/proc"
	"github.com/butter-bot-machines/kestrel/pkg/syscalls"
	"github.com/butter-bot-machines/kestrel/pkg/thread"
	"github.com/butter-bot-machines/kestrel/pkg/thread/concrete"
	"github.com/butter-bot-machines/kestrel/pkg/timing"
	"github.com/butter-bot-machines/kestrel/pkg/vfs"
	"github.com/butter-bot-machines/kestrel/pkg/vfs/device"
	"github.com/butter-bot-machines/kestrel/pkg/vfs/emufs"
	"github.com/butter-bot-machines/kestrel/pkg/vfs/memfs"
	"golang.org/x/sys/unix"
)

// KernelName is the name of the bootstrap process
const KernelName = "[kernel]"

// Exit codes Run reports when the program cannot be started
const (
	ExitNotExecutable = 126
	ExitNotFound      = 127
)

// Options supplies what the configuration file cannot
type Options struct {
	// Logger overrides the logger built from the configuration
	Logger logging.Logger
	// Stdin and Stdout back the console, defaulting to the host's
	Stdin  io.Reader
	Stdout io.Writer
	Clock  timing.Clock
	// Recorder overrides the configured accounting driver
	Recorder acct.Recorder
	// Programs registers extra programs with the loader
	Programs map[string]syscalls.Main
}

// Kernel is a booted instance
type Kernel struct {
	cfg      *config.Config
	logger   logging.Logger
	clock    timing.Clock
	ns       *vfs.Namespace
	mounts   map[string]vfs.FS
	sched    *concrete.Scheduler
	procs    *proc.Table
	recorder acct.Recorder
	coremap  *asmem.Coremap
	sys      *syscalls.Syscalls
	self     *syscalls.User
}

// Boot brings up a kernel described by cfg
func Boot(cfg *config.Config, opts Options) (k *Kernel, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		level, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logging level %q: %w", cfg.Logging.Level, err)
		}
		logger = slog.New(slog.Options{Level: level, JSON: cfg.Logging.JSON})
	}
	if opts.Clock == nil {
		opts.Clock = timing.New()
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	k = &Kernel{
		cfg:     cfg,
		logger:  logger.WithGroup("kernel"),
		clock:   opts.Clock,
		mounts:  make(map[string]vfs.FS),
		coremap: asmem.NewCoremap(cfg.Limits.Frames),
	}

	// Undo a partial boot
	defer func() {
		if err != nil {
			if cerr := k.close(); cerr != nil {
				k.logger.Error("boot cleanup", "error", cerr)
			}
			k = nil
		}
	}()

	if err := k.buildNamespace(opts); err != nil {
		return k, err
	}

	k.sched, err = concrete.NewScheduler(thread.Options{Logger: logger, MaxThreads: cfg.Limits.MaxThreads})
	if err != nil {
		return k, err
	}

	if k.recorder, err = openRecorder(cfg.Accounting, opts.Recorder); err != nil {
		return k, err
	}

	k.procs, err = proc.NewTable(proc.Options{
		PIDMin:   cfg.Limits.PIDMin,
		PIDMax:   cfg.Limits.PIDMax,
		Clock:    opts.Clock,
		Logger:   logger,
		Recorder: k.recorder,
	})
	if err != nil {
		return k, err
	}

	asm := asmem.NewManager(k.coremap)
	loader := builtins.NewLoader()
	for name, main := range opts.Programs {
		loader.Register(name, main)
	}

	k.sys, err = syscalls.New(syscalls.Options{
		Procs:      k.procs,
		VFS:        k.ns,
		Scheduler:  k.sched,
		AddrSpaces: asm,
		Loader:     loader,
		Limits:     cfg.Limits,
		Logger:     logger,
	})
	if err != nil {
		return k, err
	}

	pid, err := k.bootstrap(asm, logger)
	if err != nil {
		return k, err
	}
	k.self = syscalls.NewUser(thread.New(0, "kernel", pid), k.sys)

	k.logger.Info("kernel booted",
		"pid", pid,
		"bootfs", cfg.Boot.BootFS,
		"mounts", len(k.mounts),
		"open_max", cfg.Limits.OpenMax,
		"pid_max", cfg.Limits.PIDMax)
	return k, nil
}

func (k *Kernel) buildNamespace(opts Options) error {
	k.ns = vfs.NewNamespace(k.logger)
	if err := k.ns.AddDevice("con", device.NewConsole(opts.Stdin, opts.Stdout)); err != nil {
		return err
	}
	if err := k.ns.AddDevice("null", device.Null{}); err != nil {
		return err
	}

	for _, m := range k.cfg.Mounts {
		var fs vfs.FS
		switch m.Type {
		case config.MountMemFS:
			mfs := memfs.New(m.Name)
			if m.Name == k.cfg.Boot.BootFS {
				if err := builtins.Install(mfs); err != nil {
					return err
				}
			}
			fs = mfs
		case config.MountEmuFS:
			efs, err := emufs.New(m.Name, m.Source, emufs.Options{CacheSize: m.CacheSize, Logger: k.logger})
			if err != nil {
				return err
			}
			fs = efs
		default:
			return errors.New(errors.InvalidArgument, unix.EINVAL, "mount %s: unknown type %q", m.Name, m.Type)
		}
		if err := k.ns.Mount(fs); err != nil {
			fs.Close()
			return err
		}
		k.mounts[m.Name] = fs
	}
	return k.ns.SetBootFS(k.cfg.Boot.BootFS)
}

func openRecorder(cfg config.AccountingConfig, override acct.Recorder) (acct.Recorder, error) {
	if override != nil {
		return override, nil
	}
	switch cfg.Driver {
	case config.AcctNone, "":
		return nil, nil
	case config.AcctMemory:
		return acctmem.New(), nil
	case config.AcctSQLite:
		if cfg.Path == "" {
			return nil, errors.New(errors.InvalidArgument, unix.EINVAL, "sqlite accounting needs a path")
		}
		rec, err := sqlite.Open(cfg.Path)
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, errors.New(errors.InvalidArgument, unix.EINVAL, "unknown accounting driver %q", cfg.Driver)
}

// bootstrap creates the kernel process: console on 0, 1 and 2, the boot
// filesystem root as its directory, and an empty address space
func (k *Kernel) bootstrap(asm *asmem.Manager, logger logging.Logger) (int, error) {
	files, err := file.NewConsoleTable(k.cfg.Limits.OpenMax, k.ns, logger)
	if err != nil {
		return -1, err
	}
	root, err := k.ns.Root()
	if err != nil {
		files.CloseAll()
		return -1, err
	}
	files.SetCwd(root)

	as, err := asm.Create()
	if err != nil {
		files.CloseAll()
		return -1, err
	}
	pid, err := k.procs.Bootstrap(KernelName, files, as)
	if err != nil {
		files.CloseAll()
		as.Destroy()
		return -1, err
	}
	return pid, nil
}

// Self returns the kernel process's user. It may fork, wait and use
// descriptors, but must not exit or exec: it runs on the caller's
// goroutine, not on a scheduled thread.
func (k *Kernel) Self() *syscalls.User {
	return k.self
}

// Run forks a child of the kernel process that execs path with args,
// waits for it and returns its exit code
func (k *Kernel) Run(path string, args ...string) (int, error) {
	argv := append([]string{path}, args...)
	start := k.clock.Now()

	pid, err := k.self.Fork(func(c *syscalls.User) int {
		err := c.Execv(path, argv)
		c.Errorf("%s: %v\n", path, err)
		switch errors.Errno(err) {
		case unix.ENOENT:
			return ExitNotFound
		default:
			return ExitNotExecutable
		}
	})
	if err != nil {
		return -1, err
	}

	var status int
	if _, err := k.self.Waitpid(pid, &status, 0); err != nil {
		return -1, err
	}
	code := syscalls.WEXITSTATUS(status)
	k.logger.Debug("program finished",
		"path", path,
		"pid", pid,
		"code", code,
		"elapsed", timing.Elapsed(k.clock, start))
	return code, nil
}

// Syscalls returns the system call layer
func (k *Kernel) Syscalls() *syscalls.Syscalls {
	return k.sys
}

// Procs returns the process table
func (k *Kernel) Procs() *proc.Table {
	return k.procs
}

// Namespace returns the VFS namespace
func (k *Kernel) Namespace() *vfs.Namespace {
	return k.ns
}

// Mount returns the filesystem mounted as name
func (k *Kernel) Mount(name string) (vfs.FS, bool) {
	fs, ok := k.mounts[name]
	return fs, ok
}

// Recorder returns the accounting recorder, nil when accounting is off
func (k *Kernel) Recorder() acct.Recorder {
	return k.recorder
}

// Coremap returns the physical frame accounting
func (k *Kernel) Coremap() *asmem.Coremap {
	return k.coremap
}

// Threads returns scheduler statistics
func (k *Kernel) Threads() thread.Stats {
	return k.sched.Stats()
}

// Shutdown waits for every thread to finish, then tears down the process
// table, the namespace and the recorder
func (k *Kernel) Shutdown() error {
	if k.sched != nil {
		k.sched.Wait()
	}
	err := k.close()
	k.logger.Info("kernel shut down")
	return err
}

func (k *Kernel) close() error {
	agg := errors.NewAggregate()
	if k.procs != nil {
		agg.Add(k.procs.Teardown())
	}
	if k.ns != nil {
		agg.Add(k.ns.Close())
	}
	if k.recorder != nil {
		agg.Add(k.recorder.Close())
	}
	return agg.ErrorOrNil()
}
