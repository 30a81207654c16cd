package memfs

import (
	"io/fs"
	"path"
	"sync"

	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"github.com/butter-bot-machines/kestrel/pkg/vfs"
	"golang.org/x/sys/unix"
)

// MaxFileSize bounds how far a file may grow through writes or truncation
const MaxFileSize = 64 << 20

func tooBig(key string, size int64) error {
	return errors.New(errors.ResourceExhausted, unix.EFBIG, "%s: size %d exceeds %d", key, size, int64(MaxFileSize))
}

// node is a file or directory and the vnode handed out for it
type node struct {
	fs   *FS
	key  string
	dir  bool
	mu   sync.RWMutex
	mode fs.FileMode
	data []byte
	refs int
}

func (n *node) ReadAt(p []byte, off int64) (int, error) {
	if n.dir {
		return 0, errors.New(errors.IOError, unix.EISDIR, "%s: is a directory", n.key)
	}
	if off < 0 {
		return 0, errors.New(errors.InvalidArgument, unix.EINVAL, "negative offset %d", off)
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if off >= int64(len(n.data)) {
		return 0, nil
	}
	return copy(p, n.data[off:]), nil
}

func (n *node) WriteAt(p []byte, off int64) (int, error) {
	if n.dir {
		return 0, errors.New(errors.IOError, unix.EISDIR, "%s: is a directory", n.key)
	}
	if off < 0 {
		return 0, errors.New(errors.InvalidArgument, unix.EINVAL, "negative offset %d", off)
	}

	if off > MaxFileSize-int64(len(p)) {
		return 0, tooBig(n.key, off+int64(len(p)))
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(n.data)) {
		// Writing past the end leaves a zero-filled hole
		grown := make([]byte, end)
		copy(grown, n.data)
		n.data = grown
	}
	return copy(n.data[off:], p), nil
}

func (n *node) Stat() (vfs.Stat, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return vfs.Stat{
		Name: path.Base(n.key),
		Size: int64(len(n.data)),
		Mode: n.mode,
	}, nil
}

func (n *node) Truncate(size int64) error {
	if n.dir {
		return errors.New(errors.IOError, unix.EISDIR, "%s: is a directory", n.key)
	}
	if size < 0 {
		return errors.New(errors.InvalidArgument, unix.EINVAL, "negative size %d", size)
	}
	if size > MaxFileSize {
		return tooBig(n.key, size)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if size <= int64(len(n.data)) {
		n.data = n.data[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, n.data)
	n.data = grown
	return nil
}

func (n *node) IsSeekable() bool { return !n.dir }
func (n *node) IsDir() bool      { return n.dir }

func (n *node) IncRef() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.refs++
}

func (n *node) DecRef() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.refs == 0 {
		errors.Panic("memfs %s: vnode %s released with no references", n.fs.name, n.key)
	}
	n.refs--
	return nil
}

// Refs returns the open reference count
func (n *node) Refs() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.refs
}

func (n *node) Location() (string, string) {
	if n.key == "." {
		return n.fs.name, "/"
	}
	return n.fs.name, "/" + n.key
}
