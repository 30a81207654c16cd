package proc

import (
	"sync"
	"time"

	"github.com/butter-bot-machines/kestrel/pkg/acct"
	"github.com/butter-bot-machines/kestrel/pkg/addrspace"
	"github.com/butter-bot-machines/kestrel/pkg/file"
)

// NoParent is the parent pid of a process nobody will wait for
const NoParent = -1

// State is a process lifecycle state
type State int

const (
	// Active processes are running
	Active State = iota
	// Exited processes have a status their parent has not collected yet
	Exited
	// Reaped records were collected by their parent and destroyed
	Reaped
	// OrphanDiscarded records exited with no parent able to wait and were
	// destroyed at once
	OrphanDiscarded
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Exited:
		return "exited"
	case Reaped:
		return "reaped"
	case OrphanDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// record is one process. State, ppid and status change only with both the
// table lock and mu held, so holding either is enough to read them.
type record struct {
	pid  int
	mu   sync.Mutex
	name string
	ppid int

	state  State
	status WaitStatus
	exited *sync.Cond

	files *file.Table
	as    addrspace.AddrSpace

	started  time.Time
	finished time.Time
}

// Info is a snapshot of a process record
type Info struct {
	PID     int
	PPID    int
	Name    string
	State   State
	Status  WaitStatus
	Started time.Time
}

func (r *record) info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{
		PID:     r.pid,
		PPID:    r.ppid,
		Name:    r.name,
		State:   r.state,
		Status:  r.status,
		Started: r.started,
	}
}

func (r *record) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *record) entry(d acct.Disposition) acct.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return acct.Entry{
		PID:         r.pid,
		PPID:        r.ppid,
		Name:        r.name,
		Status:      int(r.status),
		Disposition: d,
		Started:     r.started,
		Exited:      r.finished,
	}
}

// detach takes the descriptor table and address space out of the record
func (r *record) detach() (*file.Table, addrspace.AddrSpace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	files, as := r.files, r.as
	r.files, r.as = nil, nil
	return files, as
}
