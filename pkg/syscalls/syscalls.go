// Package syscalls is the system call layer. Each call runs on the thread
// of the process making it and finds that process in the process table by
// the thread's pid.
package syscalls

import (
	"fmt"

	"github.com/butter-bot-machines/kestrel/pkg/addrspace"
	"github.com/butter-bot-machines/kestrel/pkg/config"
	"github.com/butter-bot-machines/kestrel/pkg/file"
	"github.com/butter-bot-machines/kestrel/pkg/logging"
	"github.com/butter-bot-machines/kestrel/pkg/proc"
	"github.com/butter-bot-machines/kestrel/pkg/thread"
	"github.com/butter-bot-machines/kestrel/pkg/vfs"
)

// Main is a user program. It returns the process exit code.
type Main func(u *User, argv []string) int

// Loader loads an executable into an empty address space
type Loader interface {
	Load(vn vfs.Vnode, as addrspace.AddrSpace) (Main, error)
}

// Options wires the system call layer to the rest of the kernel
type Options struct {
	Procs      *proc.Table
	VFS        vfs.VFS
	Scheduler  thread.Scheduler
	AddrSpaces addrspace.Manager
	Loader     Loader
	Limits     config.Limits
	Logger     logging.Logger
}

// Syscalls dispatches system calls
type Syscalls struct {
	procs  *proc.Table
	vfs    vfs.VFS
	sched  thread.Scheduler
	asm    addrspace.Manager
	loader Loader
	limits config.Limits
	logger logging.Logger
}

// New creates the system call layer
func New(opts Options) (*Syscalls, error) {
	switch {
	case opts.Procs == nil:
		return nil, fmt.Errorf("process table required")
	case opts.VFS == nil:
		return nil, fmt.Errorf("vfs required")
	case opts.Scheduler == nil:
		return nil, fmt.Errorf("scheduler required")
	case opts.AddrSpaces == nil:
		return nil, fmt.Errorf("address space manager required")
	case opts.Loader == nil:
		return nil, fmt.Errorf("loader required")
	case opts.Logger == nil:
		return nil, fmt.Errorf("logger required")
	}
	if opts.Limits.PathMax <= 0 || opts.Limits.ArgMax <= 0 {
		return nil, fmt.Errorf("path and argument limits must be positive")
	}

	return &Syscalls{
		procs:  opts.Procs,
		vfs:    opts.VFS,
		sched:  opts.Scheduler,
		asm:    opts.AddrSpaces,
		loader: opts.Loader,
		limits: opts.Limits,
		logger: opts.Logger.WithGroup("syscall"),
	}, nil
}

// files returns the calling process's descriptor table
func (s *Syscalls) files(t *thread.Thread) (*file.Table, error) {
	return s.procs.Files(t.PID())
}
