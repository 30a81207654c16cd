// Package proc keeps the process table. Every process has one record,
// owned by its slot and found by pid; nothing else holds a pointer to it.
//
// Lock order is the table lock, then a record's lock, then the record's
// descriptor table, then a File. A parent waiting for a child sleeps on the
// child's condition variable, which releases the table lock.
package proc

import (
	"context"
	"fmt"
	"sync"

	"github.com/butter-bot-machines/kestrel/pkg/acct"
	"github.com/butter-bot-machines/kestrel/pkg/addrspace"
	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"github.com/butter-bot-machines/kestrel/pkg/file"
	"github.com/butter-bot-machines/kestrel/pkg/logging"
	"github.com/butter-bot-machines/kestrel/pkg/timing"
	"golang.org/x/sys/unix"
)

// Options configures a process table
type Options struct {
	// PIDMin is the first pid handed out, to the bootstrap process
	PIDMin int
	// PIDMax bounds pids from above, exclusive
	PIDMax int
	Clock  timing.Clock
	Logger logging.Logger
	// Recorder receives an entry for every reaped or discarded process.
	// It may be nil.
	Recorder acct.Recorder
}

// Table is the process table
type Table struct {
	mu       sync.Mutex
	slots    []*record
	min      int
	next     int
	clock    timing.Clock
	logger   logging.Logger
	recorder acct.Recorder
}

// NewTable creates an empty process table
func NewTable(opts Options) (*Table, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if opts.PIDMin < 1 || opts.PIDMax <= opts.PIDMin {
		return nil, fmt.Errorf("bad pid range [%d, %d)", opts.PIDMin, opts.PIDMax)
	}
	if opts.Clock == nil {
		opts.Clock = timing.New()
	}

	return &Table{
		slots:    make([]*record, opts.PIDMax-opts.PIDMin),
		min:      opts.PIDMin,
		next:     opts.PIDMin,
		clock:    opts.Clock,
		logger:   opts.Logger.WithGroup("proc"),
		recorder: opts.Recorder,
	}, nil
}

// index maps pid to its slot. A pid outside the table is a kernel bug.
func (t *Table) index(pid int) int {
	i := pid - t.min
	if i < 0 || i >= len(t.slots) {
		errors.Panic("proc: pid %d outside table [%d, %d)", pid, t.min, t.min+len(t.slots))
	}
	return i
}

// lookup returns the record for a caller-supplied pid, nil if there is
// none. Callers hold t.mu.
func (t *Table) lookup(pid int) *record {
	i := pid - t.min
	if i < 0 || i >= len(t.slots) {
		return nil
	}
	r := t.slots[i]
	if r != nil && r.pid != pid {
		errors.Panic("proc: slot %d holds pid %d", pid, r.pid)
	}
	return r
}

// insert puts r in its slot. Callers hold t.mu.
func (t *Table) insert(r *record) {
	i := t.index(r.pid)
	if t.slots[i] != nil {
		errors.Panic("proc: pid %d already in use", r.pid)
	}
	r.exited = sync.NewCond(&t.mu)
	t.slots[i] = r
}

// remove clears r's slot. Callers hold t.mu.
func (t *Table) remove(r *record) {
	i := t.index(r.pid)
	if t.slots[i] != r {
		errors.Panic("proc: pid %d not in its slot", r.pid)
	}
	t.slots[i] = nil
}

// Bootstrap installs the first process at PIDMin with no parent. The
// record takes ownership of files and as.
func (t *Table) Bootstrap(name string, files *file.Table, as addrspace.AddrSpace) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.next != t.min {
		return -1, errors.New(errors.InvalidArgument, unix.EBUSY, "process table already bootstrapped")
	}
	r := &record{
		pid:     t.min,
		name:    name,
		ppid:    NoParent,
		state:   Active,
		files:   files,
		as:      as,
		started: t.clock.Now(),
	}
	t.insert(r)
	t.next++

	t.logger.Info("process table bootstrapped", "pid", r.pid, "name", name)
	return r.pid, nil
}

// active returns the record for pid if it is running. Callers hold t.mu.
func (t *Table) active(pid int) (*record, error) {
	r := t.lookup(pid)
	if r == nil || r.state != Active {
		return nil, errors.New(errors.NoSuchProcess, unix.ESRCH, "no running process %d", pid)
	}
	return r, nil
}

// Fork creates a child of parent: a deep copy of its address space and a
// copy of its descriptor table sharing every File. spawn is then asked to
// start the child's thread. If anything fails, everything built for the
// child is released, its pid is given back, and a resource-exhaustion
// error is returned.
func (t *Table) Fork(parent int, spawn func(pid int) error) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, err := t.active(parent)
	if err != nil {
		return -1, err
	}
	if t.next >= t.min+len(t.slots) {
		t.logger.Warn("process table full", "pid_max", t.min+len(t.slots))
		return -1, errors.New(errors.ResourceExhausted, unix.EAGAIN, "no free pid")
	}
	pid := t.next
	t.next++

	p.mu.Lock()
	name, pfiles, pas := p.name, p.files, p.as
	p.mu.Unlock()

	as, err := pas.Copy()
	if err != nil {
		t.next = pid
		return -1, exhausted(err, "fork: copy address space")
	}

	c := &record{
		pid:     pid,
		name:    name,
		ppid:    parent,
		state:   Active,
		files:   pfiles.Copy(),
		as:      as,
		started: t.clock.Now(),
	}
	t.insert(c)

	if err := spawn(pid); err != nil {
		t.remove(c)
		t.next = pid
		files, as := c.detach()
		if cerr := files.CloseAll(); cerr != nil {
			t.logger.Warn("fork rollback: close descriptors", "pid", pid, "error", cerr)
		}
		as.Destroy()
		return -1, exhausted(err, "fork: start thread")
	}

	t.logger.Info("process forked", "pid", pid, "ppid", parent, "name", name)
	return pid, nil
}

func exhausted(err error, msg string) error {
	if errors.IsKind(err, errors.ResourceExhausted) {
		return errors.Wrap(err, msg)
	}
	return errors.ResourceExhausted.Wrap(err, unix.ENOMEM, msg)
}

// Wait blocks until pid, a child of caller, has exited, then reaps it and
// returns its status. options must be 0.
func (t *Table) Wait(caller, pid, options int) (WaitStatus, error) {
	if options != 0 {
		return 0, errors.New(errors.InvalidArgument, unix.EINVAL, "unsupported wait options %#x", options)
	}

	t.mu.Lock()
	r := t.lookup(pid)
	if r == nil {
		t.mu.Unlock()
		return 0, errors.New(errors.NoSuchProcess, unix.ESRCH, "no process %d", pid).WithContext("target", pid)
	}
	if pid == caller || r.ppid != caller {
		t.mu.Unlock()
		return 0, errors.New(errors.NoSuchProcess, unix.ECHILD, "process %d is not a child of %d", pid, caller).WithContext("target", pid)
	}

	for r.state == Active {
		r.exited.Wait()
		if t.lookup(pid) != r {
			t.mu.Unlock()
			return 0, errors.New(errors.NoSuchProcess, unix.ESRCH, "process %d went away", pid).WithContext("target", pid)
		}
	}

	// Read everything needed, then clear the slot, then destroy
	status := r.status
	t.remove(r)
	r.setState(Reaped)
	e := r.entry(acct.Reaped)
	t.mu.Unlock()

	t.destroy(r)
	t.account(e)
	t.logger.Info("process reaped", "pid", pid, "ppid", caller, "status", int(status))
	return status, nil
}

// Exit records code as pid's exit status and wakes its parent. It never
// waits for the parent. If no parent can ever wait for pid, the record is
// discarded at once; children of pid lose their parent, and any of them
// that already exited are discarded too. The descriptor table and
// address space are released once the table lock is dropped.
func (t *Table) Exit(pid int, code int) {
	t.mu.Lock()
	r := t.lookup(pid)
	if r == nil || r.state != Active {
		t.mu.Unlock()
		errors.Panic("proc: exit of pid %d which is not running", pid)
	}

	now := t.clock.Now()
	r.mu.Lock()
	r.status = MkWaitExit(code)
	r.state = Exited
	r.finished = now
	files, as := r.files, r.as
	r.files, r.as = nil, nil
	ppid := r.ppid
	r.mu.Unlock()

	var gone []*record
	var entries []acct.Entry
	for _, c := range t.slots {
		if c == nil || c.ppid != pid {
			continue
		}
		if c.state == Exited {
			entries = append(entries, c.entry(acct.Discarded))
			t.remove(c)
			c.setState(OrphanDiscarded)
			gone = append(gone, c)
		}
		c.mu.Lock()
		c.ppid = NoParent
		c.mu.Unlock()
	}

	parent := t.lookup(ppid)
	if ppid == NoParent || parent == nil || parent.state != Active {
		entries = append(entries, r.entry(acct.Discarded))
		t.remove(r)
		r.setState(OrphanDiscarded)
		gone = append(gone, r)
	} else {
		r.exited.Broadcast()
	}
	t.mu.Unlock()

	t.logger.Info("process exited", "pid", pid, "ppid", ppid, "status", int(MkWaitExit(code)))

	if files != nil {
		if err := files.CloseAll(); err != nil {
			t.logger.Warn("close descriptors at exit", "pid", pid, "error", err)
		}
	}
	if as != nil {
		as.Destroy()
	}
	for _, g := range gone {
		t.destroy(g)
		t.logger.Info("process discarded", "pid", g.pid)
	}
	t.account(entries...)
}

// destroy frees whatever r still owns. r must already be out of the table.
func (t *Table) destroy(r *record) error {
	r.mu.Lock()
	if r.state == Active {
		r.mu.Unlock()
		errors.Panic("proc: destroying active pid %d", r.pid)
	}
	r.mu.Unlock()

	files, as := r.detach()
	agg := errors.NewAggregate()
	if files != nil {
		agg.Add(files.CloseAll())
	}
	if as != nil {
		as.Destroy()
	}
	return agg.ErrorOrNil()
}

func (t *Table) account(entries ...acct.Entry) {
	if t.recorder == nil {
		return
	}
	for _, e := range entries {
		if err := t.recorder.Record(context.Background(), e); err != nil {
			t.logger.Error("accounting record failed", "pid", e.PID, "error", err)
		}
	}
}

// Files returns the descriptor table of running process pid
func (t *Table) Files(pid int) (*file.Table, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.active(pid)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.files, nil
}

// AddrSpace returns the address space of running process pid
func (t *Table) AddrSpace(pid int) (addrspace.AddrSpace, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.active(pid)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.as, nil
}

// Exec gives pid a new address space and name. It returns the old address
// space, which the caller destroys.
func (t *Table) Exec(pid int, name string, as addrspace.AddrSpace) (addrspace.AddrSpace, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, err := t.active(pid)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.as
	r.as = as
	r.name = name
	return old, nil
}

// Lookup returns a snapshot of pid's record
func (t *Table) Lookup(pid int) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.lookup(pid)
	if r == nil {
		return Info{}, false
	}
	return r.info(), true
}

// List returns a snapshot of every record in pid order
func (t *Table) List() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Info
	for _, r := range t.slots {
		if r != nil {
			out = append(out, r.info())
		}
	}
	return out
}

// Teardown empties the table, releasing what every remaining record owns.
// No thread may still be running in a process other than the caller's.
func (t *Table) Teardown() error {
	t.mu.Lock()
	var all []*record
	var entries []acct.Entry
	for i, r := range t.slots {
		if r == nil {
			continue
		}
		if r.state == Exited {
			entries = append(entries, r.entry(acct.Discarded))
		}
		t.slots[i] = nil
		r.setState(OrphanDiscarded)
		all = append(all, r)
	}
	t.mu.Unlock()

	agg := errors.NewAggregate()
	for _, r := range all {
		agg.Add(t.destroy(r))
	}
	t.account(entries...)
	t.logger.Info("process table torn down", "records", len(all))
	return agg.ErrorOrNil()
}
