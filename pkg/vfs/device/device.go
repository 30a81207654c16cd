// Package device provides the character devices of the namespace: the
// console and a null sink.
package device

import (
	"io"
	"io/fs"
	"sync"

	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"github.com/butter-bot-machines/kestrel/pkg/vfs"
	"golang.org/x/sys/unix"
)

// Console is the "con:" device. Reads come from in and writes go to out;
// neither is seekable.
type Console struct {
	name string
	rmu  sync.Mutex
	wmu  sync.Mutex
	in   io.Reader
	out  io.Writer
}

// NewConsole creates a console over in and out. A nil in reads as end of
// file and a nil out discards.
func NewConsole(in io.Reader, out io.Writer) *Console {
	if out == nil {
		out = io.Discard
	}
	return &Console{name: "con", in: in, out: out}
}

// Open returns a new vnode on the console
func (c *Console) Open(flags int) (vfs.Vnode, error) {
	return &charVnode{name: c.name, dev: c, refs: 1}, nil
}

func (c *Console) read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	if c.in == nil {
		return 0, nil
	}
	n, err := c.in.Read(p)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (c *Console) write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.out.Write(p)
}

// Null is the "null:" device: reads see end of file, writes are discarded
type Null struct{}

// Open returns a new vnode on the null device
func (Null) Open(flags int) (vfs.Vnode, error) {
	return &charVnode{name: "null", dev: Null{}, refs: 1}, nil
}

func (Null) read(p []byte) (int, error)  { return 0, nil }
func (Null) write(p []byte) (int, error) { return len(p), nil }

type charDevice interface {
	read(p []byte) (int, error)
	write(p []byte) (int, error)
}

// charVnode is one open reference set on a character device
type charVnode struct {
	name string
	dev  charDevice
	mu   sync.Mutex
	refs int
}

func (v *charVnode) ReadAt(p []byte, off int64) (int, error) {
	if err := v.check(); err != nil {
		return 0, err
	}
	return v.dev.read(p)
}

func (v *charVnode) WriteAt(p []byte, off int64) (int, error) {
	if err := v.check(); err != nil {
		return 0, err
	}
	return v.dev.write(p)
}

func (v *charVnode) Stat() (vfs.Stat, error) {
	return vfs.Stat{Name: v.name, Mode: fs.ModeDevice | fs.ModeCharDevice | 0666}, nil
}

func (v *charVnode) Truncate(size int64) error {
	return errors.New(errors.InvalidArgument, unix.EINVAL, "%s: cannot truncate a device", v.name)
}

func (v *charVnode) IsSeekable() bool { return false }
func (v *charVnode) IsDir() bool      { return false }

func (v *charVnode) IncRef() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.refs == 0 {
		errors.Panic("%s: reference taken on a released vnode", v.name)
	}
	v.refs++
}

func (v *charVnode) DecRef() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.refs == 0 {
		errors.Panic("%s: vnode released twice", v.name)
	}
	v.refs--
	return nil
}

func (v *charVnode) Location() (string, string) {
	return v.name, ""
}

func (v *charVnode) check() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.refs == 0 {
		return errors.New(errors.BadDescriptor, unix.EBADF, "%s: vnode released", v.name)
	}
	return nil
}
