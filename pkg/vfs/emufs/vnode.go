package emufs

import (
	"io"
	"os"
	"path"
	"sync"

	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"github.com/butter-bot-machines/kestrel/pkg/vfs"
	"golang.org/x/sys/unix"
)

// vnode is a host file or directory. The host handle is closed once the
// vnode has left the cache and nobody references it.
type vnode struct {
	fs   *FS
	path string
	host string
	dir  bool

	mu      sync.Mutex
	file    *os.File
	refs    int
	evicted bool
}

func (v *vnode) handle() (*os.File, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dir {
		return nil, errors.New(errors.IOError, unix.EISDIR, "%s: is a directory", v.path)
	}
	if v.file == nil {
		return nil, errors.New(errors.BadDescriptor, unix.EBADF, "%s: host file closed", v.path)
	}
	return v.file, nil
}

func (v *vnode) ReadAt(p []byte, off int64) (int, error) {
	f, err := v.handle()
	if err != nil {
		return 0, err
	}
	n, err := f.ReadAt(p, off)
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		return n, errors.Wrap(err, "emufs read %s", v.path)
	}
	return n, nil
}

func (v *vnode) WriteAt(p []byte, off int64) (int, error) {
	f, err := v.handle()
	if err != nil {
		return 0, err
	}
	n, err := f.WriteAt(p, off)
	if err != nil {
		return n, errors.Wrap(err, "emufs write %s", v.path)
	}
	return n, nil
}

func (v *vnode) Stat() (vfs.Stat, error) {
	v.mu.Lock()
	f := v.file
	v.mu.Unlock()

	var info os.FileInfo
	var err error
	if f != nil {
		info, err = f.Stat()
	} else {
		info, err = os.Stat(v.host)
	}
	if err != nil {
		return vfs.Stat{}, errors.Wrap(err, "emufs stat %s", v.path)
	}
	return vfs.Stat{Name: path.Base(v.path), Size: info.Size(), Mode: info.Mode()}, nil
}

func (v *vnode) Truncate(size int64) error {
	f, err := v.handle()
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		return errors.Wrap(err, "emufs truncate %s", v.path)
	}
	return nil
}

func (v *vnode) IsSeekable() bool { return !v.dir }
func (v *vnode) IsDir() bool      { return v.dir }

func (v *vnode) IncRef() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refs++
}

func (v *vnode) DecRef() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.refs == 0 {
		errors.Panic("emufs %s: vnode %s released with no references", v.fs.name, v.path)
	}
	v.refs--
	if v.refs == 0 && v.evicted {
		return v.closeLocked()
	}
	return nil
}

func (v *vnode) Location() (string, string) {
	return v.fs.name, v.path
}

// evict marks the vnode as out of the cache, closing it if idle
func (v *vnode) evict() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.evicted = true
	if v.refs == 0 {
		if err := v.closeLocked(); err != nil {
			v.fs.logger.Warn("close evicted vnode", "path", v.path, "error", err)
		}
	}
}

func (v *vnode) closeLocked() error {
	if v.file == nil {
		return nil
	}
	err := v.file.Close()
	v.file = nil
	if err != nil {
		return errors.Wrap(err, "emufs close %s", v.path)
	}
	return nil
}
