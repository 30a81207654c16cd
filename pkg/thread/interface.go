// Package thread runs the kernel's threads. Each thread is a goroutine
// that carries only the pid of the process it belongs to; everything else
// about the process is looked up in the process table by that pid.
package thread

import (
	"github.com/butter-bot-machines/kestrel/pkg/logging"
)

// Thread is one kernel thread
type Thread struct {
	id   int
	name string
	pid  int
}

// New creates a thread descriptor. Schedulers call this; tests may too.
func New(id int, name string, pid int) *Thread {
	return &Thread{id: id, name: name, pid: pid}
}

// ID returns the scheduler-assigned thread id
func (t *Thread) ID() int {
	return t.id
}

// Name returns the thread name
func (t *Thread) Name() string {
	return t.name
}

// PID returns the pid of the owning process
func (t *Thread) PID() int {
	return t.pid
}

// Stats tracks scheduler statistics
type Stats interface {
	// Spawned returns the number of threads started
	Spawned() uint64

	// Exited returns the number of threads that finished
	Exited() uint64

	// Running returns the number of threads currently running
	Running() int64
}

// Scheduler starts and tracks threads
type Scheduler interface {
	// Spawn starts entry on a new thread belonging to pid
	Spawn(name string, pid int, entry func(*Thread)) error

	// Yield lets other threads run
	Yield()

	// ExitCurrent ends the calling thread. It does not return.
	ExitCurrent()

	// Wait blocks until every spawned thread has finished
	Wait()

	// Stats returns the current scheduler statistics
	Stats() Stats
}

// Options configures a scheduler
type Options struct {
	Logger logging.Logger
	// MaxThreads caps running threads, 0 for no cap
	MaxThreads int
}
