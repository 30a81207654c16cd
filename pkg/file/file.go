// Package file implements open-file handles and the per-process descriptor
// table. A File is shared by every descriptor slot bound to it, across
// dup2 and fork, so all of them see one offset.
package file

import (
	"io"
	"sync"

	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"github.com/butter-bot-machines/kestrel/pkg/vfs"
	"golang.org/x/sys/unix"
)

// File is one open file. It owns a single reference to its vnode, dropped
// when the last descriptor bound to the File lets go of it.
type File struct {
	// mu guards the vnode and offset and is held across transfers
	mu     sync.Mutex
	vn     vfs.Vnode
	flags  int
	offset int64

	// refs has its own lock so sharing a File never waits on its I/O
	refMu sync.Mutex
	refs  int
}

// New wraps an open vnode. The File takes over the caller's vnode
// reference and starts with one share.
func New(vn vfs.Vnode, flags int) *File {
	if vn == nil {
		errors.Panic("file: nil vnode")
	}
	return &File{vn: vn, flags: flags, refs: 1}
}

// Ref adds a share. Reviving a released File is fatal.
func (f *File) Ref() {
	f.refMu.Lock()
	defer f.refMu.Unlock()
	if f.refs == 0 {
		errors.Panic("file: ref of released file")
	}
	f.refs++
}

// Release drops a share. The last one releases the vnode and returns its
// error, if any.
func (f *File) Release() error {
	f.refMu.Lock()
	if f.refs == 0 {
		f.refMu.Unlock()
		errors.Panic("file: release of released file")
	}
	f.refs--
	last := f.refs == 0
	f.refMu.Unlock()
	if !last {
		return nil
	}

	// No slot is bound any more, so nothing else can be mid-transfer
	f.mu.Lock()
	vn := f.vn
	f.vn = nil
	f.mu.Unlock()
	return vn.DecRef()
}

// Shares returns the number of descriptor slots bound to f
func (f *File) Shares() int {
	f.refMu.Lock()
	defer f.refMu.Unlock()
	return f.refs
}

// Flags returns the open flags
func (f *File) Flags() int {
	return f.flags
}

// Offset returns the current offset
func (f *File) Offset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

// Read reads at the current offset and advances it
func (f *File) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(buf)
}

// Write writes at the current offset and advances it
func (f *File) Write(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(buf)
}

// Seek moves the offset
func (f *File) Seek(pos int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seek(pos, whence)
}

// The lowercase variants expect f.mu held.

func (f *File) live() error {
	if f.vn == nil {
		return errors.New(errors.BadDescriptor, unix.EBADF, "file released")
	}
	return nil
}

func (f *File) read(buf []byte) (int, error) {
	if err := f.live(); err != nil {
		return 0, err
	}
	if !vfs.CanRead(f.flags) {
		return 0, errors.New(errors.BadDescriptor, unix.EBADF, "file not open for reading")
	}
	n, err := f.vn.ReadAt(buf, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *File) write(buf []byte) (int, error) {
	if err := f.live(); err != nil {
		return 0, err
	}
	if !vfs.CanWrite(f.flags) {
		return 0, errors.New(errors.BadDescriptor, unix.EBADF, "file not open for writing")
	}
	if f.flags&vfs.O_APPEND != 0 && f.vn.IsSeekable() {
		st, err := f.vn.Stat()
		if err != nil {
			return 0, err
		}
		f.offset = st.Size
	}
	n, err := f.vn.WriteAt(buf, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *File) seek(pos int64, whence int) (int64, error) {
	if err := f.live(); err != nil {
		return 0, err
	}

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.offset
	case io.SeekEnd:
	default:
		return 0, errors.New(errors.InvalidArgument, unix.EINVAL, "bad whence %d", whence)
	}

	if !f.vn.IsSeekable() {
		return 0, errors.New(errors.NotSeekable, unix.ESPIPE, "file is not seekable")
	}
	if whence == io.SeekEnd {
		st, err := f.vn.Stat()
		if err != nil {
			return 0, err
		}
		base = st.Size
	}

	off := base + pos
	if off < 0 {
		return 0, errors.New(errors.InvalidArgument, unix.EINVAL, "seek to negative offset %d", off)
	}
	f.offset = off
	return off, nil
}
