package file

import (
	"sync"

	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"github.com/butter-bot-machines/kestrel/pkg/logging"
	"github.com/butter-bot-machines/kestrel/pkg/vfs"
	"golang.org/x/sys/unix"
)

// ConsolePath names the console device bound to descriptors 0, 1 and 2
const ConsolePath = "con:"

// Table is a process's descriptor table and current directory. Lock order
// is table before File: read, write and lseek take the File lock while
// holding the table lock, then drop the table lock for the transfer.
type Table struct {
	mu     sync.Mutex
	slots  []*File
	cwd    vfs.Vnode
	logger logging.Logger
}

// NewTable creates an empty table with openMax slots
func NewTable(openMax int, logger logging.Logger) *Table {
	if openMax < 1 {
		errors.Panic("file: table size %d", openMax)
	}
	return &Table{
		slots:  make([]*File, openMax),
		logger: logger,
	}
}

// NewConsoleTable creates a table with the console opened as standard
// input on 0 and standard output and error on 1 and 2. Each descriptor gets
// a File of its own.
func NewConsoleTable(openMax int, v vfs.VFS, logger logging.Logger) (*Table, error) {
	if openMax < 3 {
		return nil, errors.New(errors.InvalidArgument, unix.EINVAL, "open max %d leaves no room for the console", openMax)
	}
	t := NewTable(openMax, logger)
	for _, flags := range []int{vfs.O_RDONLY, vfs.O_WRONLY, vfs.O_WRONLY} {
		if _, err := t.Open(v, ConsolePath, flags); err != nil {
			t.CloseAll()
			return nil, errors.Wrap(err, "open console")
		}
	}
	return t, nil
}

// Size returns the number of slots
func (t *Table) Size() int {
	return len(t.slots)
}

// get returns the File bound to fd. Callers hold t.mu.
func (t *Table) get(fd int) (*File, error) {
	if fd < 0 || fd >= len(t.slots) {
		return nil, errors.New(errors.BadDescriptor, unix.EBADF, "fd %d out of range", fd).WithContext("fd", fd)
	}
	f := t.slots[fd]
	if f == nil {
		return nil, errors.New(errors.BadDescriptor, unix.EBADF, "fd %d not open", fd).WithContext("fd", fd)
	}
	return f, nil
}

// free returns the lowest free slot or -1. Callers hold t.mu.
func (t *Table) free() int {
	for fd, f := range t.slots {
		if f == nil {
			return fd
		}
	}
	return -1
}

func (t *Table) full() error {
	t.logger.Warn("descriptor table full", "open_max", len(t.slots))
	return errors.New(errors.ResourceExhausted, unix.EMFILE, "no free descriptor among %d", len(t.slots))
}

// Get returns the File bound to fd without taking a share
func (t *Table) Get(fd int) (*File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(fd)
}

// Install binds f to the lowest free descriptor. The table takes over the
// caller's share of f.
func (t *Table) Install(f *File) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.free()
	if fd < 0 {
		return -1, t.full()
	}
	t.slots[fd] = f
	return fd, nil
}

// Open resolves path against the current directory and binds the result
// to the lowest free descriptor. A failed open consumes no descriptor.
func (t *Table) Open(v vfs.VFS, path string, flags int) (int, error) {
	t.mu.Lock()
	if t.free() < 0 {
		err := t.full()
		t.mu.Unlock()
		return -1, err
	}
	t.mu.Unlock()

	vn, err := t.OpenVnode(v, path, flags)
	if err != nil {
		return -1, err
	}

	f := New(vn, flags)
	fd, err := t.Install(f)
	if err != nil {
		// Another open took the last slot while the vnode was being opened
		f.Release()
		return -1, err
	}
	return fd, nil
}

// OpenVnode resolves path against the current directory and opens it
// without binding a descriptor
func (t *Table) OpenVnode(v vfs.VFS, path string, flags int) (vfs.Vnode, error) {
	t.mu.Lock()
	cwd := t.cwd
	if cwd != nil {
		cwd.IncRef()
	}
	t.mu.Unlock()

	vn, err := v.Open(cwd, path, flags)
	if cwd != nil {
		if derr := cwd.DecRef(); derr != nil {
			t.logger.Warn("release cwd", "error", derr)
		}
	}
	return vn, err
}

// acquire returns fd's File locked, holding an extra share so a concurrent
// close cannot release it mid-transfer. The table lock is dropped before
// the File lock is taken. Pair with done.
func (t *Table) acquire(fd int) (*File, error) {
	t.mu.Lock()
	f, err := t.get(fd)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	f.Ref()
	t.mu.Unlock()

	f.mu.Lock()
	return f, nil
}

// done unlocks a File from acquire and drops its extra share
func (t *Table) done(f *File) {
	f.mu.Unlock()
	if err := f.Release(); err != nil {
		t.logger.Warn("release file after transfer", "error", err)
	}
}

// Read reads from fd at its File's offset
func (t *Table) Read(fd int, buf []byte) (int, error) {
	f, err := t.acquire(fd)
	if err != nil {
		return 0, err
	}
	defer t.done(f)
	return f.read(buf)
}

// Write writes to fd at its File's offset
func (t *Table) Write(fd int, buf []byte) (int, error) {
	f, err := t.acquire(fd)
	if err != nil {
		return 0, err
	}
	defer t.done(f)
	return f.write(buf)
}

// Lseek moves fd's File offset
func (t *Table) Lseek(fd int, pos int64, whence int) (int64, error) {
	f, err := t.acquire(fd)
	if err != nil {
		return 0, err
	}
	defer t.done(f)
	return f.seek(pos, whence)
}

// Close unbinds fd. The slot is cleared even when releasing the File
// reports an error.
func (t *Table) Close(fd int) error {
	t.mu.Lock()
	f, err := t.get(fd)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.slots[fd] = nil
	t.mu.Unlock()

	return f.Release()
}

// Dup2 binds newfd to oldfd's File, closing whatever newfd held first
func (t *Table) Dup2(oldfd, newfd int) (int, error) {
	t.mu.Lock()
	if newfd < 0 || newfd >= len(t.slots) {
		t.mu.Unlock()
		return -1, errors.New(errors.BadDescriptor, unix.EBADF, "fd %d out of range", newfd)
	}
	f, err := t.get(oldfd)
	if err != nil {
		t.mu.Unlock()
		return -1, err
	}
	if oldfd == newfd {
		t.mu.Unlock()
		return newfd, nil
	}

	prev := t.slots[newfd]
	f.Ref()
	t.slots[newfd] = f
	t.mu.Unlock()

	if prev != nil {
		if err := prev.Release(); err != nil {
			t.logger.Warn("close replaced descriptor", "fd", newfd, "error", err)
		}
	}
	return newfd, nil
}

// Copy returns a table bound to the same Files at the same descriptors,
// each File gaining a share, and the same current directory.
func (t *Table) Copy() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()

	c := NewTable(len(t.slots), t.logger)
	for fd, f := range t.slots {
		if f != nil {
			f.Ref()
			c.slots[fd] = f
		}
	}
	if t.cwd != nil {
		t.cwd.IncRef()
		c.cwd = t.cwd
	}
	return c
}

// CloseAll unbinds every descriptor and drops the current directory
func (t *Table) CloseAll() error {
	t.mu.Lock()
	files := make([]*File, 0, len(t.slots))
	for fd, f := range t.slots {
		if f != nil {
			files = append(files, f)
			t.slots[fd] = nil
		}
	}
	cwd := t.cwd
	t.cwd = nil
	t.mu.Unlock()

	agg := errors.NewAggregate()
	for _, f := range files {
		agg.Add(f.Release())
	}
	if cwd != nil {
		agg.Add(cwd.DecRef())
	}
	return agg.ErrorOrNil()
}

// Bound returns the number of bound descriptors
func (t *Table) Bound() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, f := range t.slots {
		if f != nil {
			n++
		}
	}
	return n
}

// SetCwd makes dir the current directory, taking over the caller's
// reference, and releases the previous one.
func (t *Table) SetCwd(dir vfs.Vnode) error {
	t.mu.Lock()
	prev := t.cwd
	t.cwd = dir
	t.mu.Unlock()

	if prev != nil {
		return prev.DecRef()
	}
	return nil
}

// Chdir changes the current directory to path
func (t *Table) Chdir(v vfs.VFS, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	dir, err := v.Lookup(t.cwd, path)
	if err != nil {
		return err
	}
	prev := t.cwd
	t.cwd = dir
	if prev != nil {
		return prev.DecRef()
	}
	return nil
}

// Getcwd returns the full name of the current directory
func (t *Table) Getcwd(v vfs.VFS) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cwd == nil {
		return "", errors.New(errors.IOError, unix.ENOENT, "no current directory")
	}
	return v.Getcwd(t.cwd)
}
