// Package memfs is an in-memory filesystem for the namespace. The boot
// filesystem is one of these, with the builtin programs installed in /bin.
package memfs

import (
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"github.com/butter-bot-machines/kestrel/pkg/vfs"
	"golang.org/x/sys/unix"
)

// FS implements vfs.FS in memory. Nodes are keyed by io/fs style paths,
// with "." for the root.
type FS struct {
	name  string
	mu    sync.RWMutex
	files map[string]*node
	dirs  map[string]*node
}

// New creates an empty filesystem mounted as name
func New(name string) *FS {
	f := &FS{
		name:  name,
		files: make(map[string]*node),
		dirs:  make(map[string]*node),
	}
	f.dirs["."] = f.newNode(".", true, fs.ModeDir|0755)
	return f
}

func (f *FS) newNode(key string, dir bool, mode fs.FileMode) *node {
	return &node{fs: f, key: key, dir: dir, mode: mode}
}

// Name returns the mount name
func (f *FS) Name() string {
	return f.name
}

// Close drops every node. Vnodes still referenced keep working.
func (f *FS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = make(map[string]*node)
	f.dirs = map[string]*node{".": f.newNode(".", true, fs.ModeDir|0755)}
	return nil
}

// key converts an absolute path to a map key
func key(p string) (string, error) {
	p = path.Clean("/" + p)
	k := strings.TrimPrefix(p, "/")
	if k == "" {
		k = "."
	}
	if !fs.ValidPath(k) {
		return "", errors.New(errors.InvalidArgument, unix.EINVAL, "bad path %q", p)
	}
	return k, nil
}

// Open opens p, creating or truncating it as flags ask
func (f *FS) Open(p string, flags int) (vfs.Vnode, error) {
	k, err := key(p)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if d, ok := f.dirs[k]; ok {
		if flags&vfs.O_CREAT != 0 && flags&vfs.O_EXCL != 0 {
			return nil, errors.New(errors.IOError, unix.EEXIST, "%s: exists", p)
		}
		if vfs.AccMode(flags) != vfs.O_RDONLY {
			return nil, errors.New(errors.IOError, unix.EISDIR, "%s: is a directory", p)
		}
		d.IncRef()
		return d, nil
	}

	n, ok := f.files[k]
	switch {
	case ok && flags&vfs.O_CREAT != 0 && flags&vfs.O_EXCL != 0:
		return nil, errors.New(errors.IOError, unix.EEXIST, "%s: exists", p)
	case !ok && flags&vfs.O_CREAT == 0:
		if err := f.checkParent(k); err != nil {
			return nil, err
		}
		return nil, errors.New(errors.IOError, unix.ENOENT, "%s: no such file", p)
	case !ok:
		if err := f.checkParent(k); err != nil {
			return nil, err
		}
		n = f.newNode(k, false, 0644)
		f.files[k] = n
	}

	if flags&vfs.O_TRUNC != 0 && vfs.CanWrite(flags) {
		if err := n.Truncate(0); err != nil {
			return nil, err
		}
	}
	n.IncRef()
	return n, nil
}

// checkParent reports ENOENT for a missing parent and ENOTDIR for a file
// where a directory should be. Callers hold f.mu.
func (f *FS) checkParent(k string) error {
	dir := path.Dir(k)
	if _, ok := f.dirs[dir]; ok {
		return nil
	}
	for p := dir; p != "."; p = path.Dir(p) {
		if _, ok := f.files[p]; ok {
			return errors.New(errors.IOError, unix.ENOTDIR, "%s: not a directory", p)
		}
	}
	return errors.New(errors.IOError, unix.ENOENT, "%s: no such directory", dir)
}

// MkdirAll creates a directory and all parent directories
func (f *FS) MkdirAll(p string) error {
	k, err := key(p)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mkdirAll(k)
}

func (f *FS) mkdirAll(k string) error {
	if _, ok := f.dirs[k]; ok {
		return nil
	}
	if _, ok := f.files[k]; ok {
		return errors.New(errors.IOError, unix.ENOTDIR, "%s: not a directory", k)
	}
	if err := f.mkdirAll(path.Dir(k)); err != nil {
		return err
	}
	f.dirs[k] = f.newNode(k, true, fs.ModeDir|0755)
	return nil
}

// WriteFile creates or replaces p, creating parent directories
func (f *FS) WriteFile(p string, data []byte, perm fs.FileMode) error {
	k, err := key(p)
	if err != nil {
		return err
	}
	if k == "." {
		return errors.New(errors.IOError, unix.EISDIR, "/: is a directory")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.dirs[k]; ok {
		return errors.New(errors.IOError, unix.EISDIR, "%s: is a directory", p)
	}
	if err := f.mkdirAll(path.Dir(k)); err != nil {
		return err
	}

	n, ok := f.files[k]
	if !ok {
		n = f.newNode(k, false, perm&fs.ModePerm)
		f.files[k] = n
	}
	n.mu.Lock()
	n.data = append([]byte(nil), data...)
	n.mode = perm & fs.ModePerm
	n.mu.Unlock()
	return nil
}

// ReadFile returns a copy of the contents of p
func (f *FS) ReadFile(p string) ([]byte, error) {
	k, err := key(p)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	n, ok := f.files[k]
	f.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.IOError, unix.ENOENT, "%s: no such file", p)
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]byte(nil), n.data...), nil
}

// ReadDir returns the sorted names in directory p
func (f *FS) ReadDir(p string) ([]string, error) {
	k, err := key(p)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if _, ok := f.dirs[k]; !ok {
		if _, isFile := f.files[k]; isFile {
			return nil, errors.New(errors.IOError, unix.ENOTDIR, "%s: not a directory", p)
		}
		return nil, errors.New(errors.IOError, unix.ENOENT, "%s: no such directory", p)
	}

	var names []string
	for _, m := range []map[string]*node{f.dirs, f.files} {
		for name := range m {
			if name != "." && name != k && path.Dir(name) == k {
				names = append(names, path.Base(name))
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// Remove unlinks a file or empty directory. Open vnodes on a removed file
// keep its data until released.
func (f *FS) Remove(p string) error {
	k, err := key(p)
	if err != nil {
		return err
	}
	if k == "." {
		return errors.New(errors.InvalidArgument, unix.EBUSY, "cannot remove the root")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.dirs[k]; ok {
		prefix := k + "/"
		for _, m := range []map[string]*node{f.dirs, f.files} {
			for name := range m {
				if strings.HasPrefix(name, prefix) {
					return errors.New(errors.IOError, unix.ENOTEMPTY, "%s: directory not empty", p)
				}
			}
		}
		delete(f.dirs, k)
		return nil
	}
	if _, ok := f.files[k]; ok {
		delete(f.files, k)
		return nil
	}
	return errors.New(errors.IOError, unix.ENOENT, "%s: no such file", p)
}
