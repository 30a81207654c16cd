// Package emufs passes a host directory through into the namespace.
// Vnodes are cached by host path in an LRU; evicting an idle vnode closes
// its host file. The host directories behind cached vnodes are watched so
// a file removed or renamed on the host drops out of the cache.
package emufs

import (
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"github.com/butter-bot-machines/kestrel/pkg/logging"
	"github.com/butter-bot-machines/kestrel/pkg/vfs"
	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sys/unix"
)

// DefaultCacheSize bounds the vnode cache when the mount sets no size
const DefaultCacheSize = 64

// Options configures an emufs mount
type Options struct {
	// CacheSize is the number of vnodes kept, 0 for DefaultCacheSize
	CacheSize int
	Logger    logging.Logger
}

// FS implements vfs.FS over a host directory
type FS struct {
	name    string
	root    string
	logger  logging.Logger
	mu      sync.Mutex
	cache   *lru.Cache
	watcher *fsnotify.Watcher
	watched map[string]bool
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// New mounts the host directory root as name
func New(name, root string, opts Options) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "emufs %s: resolve %s", name, root)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, errors.Wrap(err, "emufs %s", name)
	}
	if !st.IsDir() {
		return nil, errors.New(errors.IOError, unix.ENOTDIR, "emufs %s: %s is not a directory", name, abs)
	}

	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Logger == nil {
		return nil, errors.New(errors.InvalidArgument, unix.EINVAL, "emufs %s: logger is required", name)
	}

	f := &FS{
		name:    name,
		root:    abs,
		logger:  opts.Logger.WithGroup("emufs").With("mount", name),
		watched: make(map[string]bool),
		done:    make(chan struct{}),
	}

	f.cache, err = lru.NewWithEvict(opts.CacheSize, f.onEvict)
	if err != nil {
		return nil, errors.Wrap(err, "emufs %s: create cache", name)
	}

	f.watcher, err = fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "emufs %s: create watcher", name)
	}

	f.wg.Add(1)
	go f.watch()

	return f, nil
}

// Name returns the mount name
func (f *FS) Name() string {
	return f.name
}

// Root returns the host directory
func (f *FS) Root() string {
	return f.root
}

// hostPath maps a clean absolute path on the mount to a host path
func (f *FS) hostPath(p string) string {
	return filepath.Join(f.root, filepath.FromSlash(path.Clean("/"+p)))
}

func hostFlags(flags int) int {
	var hf int
	switch vfs.AccMode(flags) {
	case vfs.O_WRONLY:
		hf = os.O_WRONLY
	case vfs.O_RDWR:
		hf = os.O_RDWR
	default:
		hf = os.O_RDONLY
	}
	if flags&vfs.O_CREAT != 0 {
		hf |= os.O_CREATE
	}
	if flags&vfs.O_EXCL != 0 {
		hf |= os.O_EXCL
	}
	if flags&vfs.O_TRUNC != 0 {
		hf |= os.O_TRUNC
	}
	return hf
}

// Open opens p on the host with flags, then returns the cached vnode for
// it. The host open carries out creation, exclusivity, truncation and
// permission checks; the vnode keeps its own handle for transfers.
func (f *FS) Open(p string, flags int) (vfs.Vnode, error) {
	host := f.hostPath(p)

	probe, err := os.OpenFile(host, hostFlags(flags), 0644)
	if err != nil {
		return nil, errors.Wrap(err, "emufs %s: open %s", f.name, p)
	}
	st, err := probe.Stat()
	if err != nil {
		probe.Close()
		return nil, errors.Wrap(err, "emufs %s: stat %s", f.name, p)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		probe.Close()
		return nil, errors.New(errors.IOError, unix.ENODEV, "emufs %s: unmounted", f.name)
	}

	if v, ok := f.cache.Get(host); ok {
		probe.Close()
		n := v.(*vnode)
		n.IncRef()
		return n, nil
	}

	n, err := f.newVnode(path.Clean("/"+p), host, st.IsDir(), probe, flags)
	if err != nil {
		return nil, err
	}
	n.refs = 1
	f.cache.Add(host, n)
	f.watchDir(filepath.Dir(host))
	return n, nil
}

// newVnode takes over probe, upgrading to a read-write handle when the
// host allows it so later opens with other modes can share the vnode.
func (f *FS) newVnode(p, host string, dir bool, probe *os.File, flags int) (*vnode, error) {
	n := &vnode{fs: f, path: p, host: host, dir: dir}
	if dir {
		probe.Close()
		return n, nil
	}
	if vfs.AccMode(flags) == vfs.O_RDWR {
		n.file = probe
		return n, nil
	}
	if rw, err := os.OpenFile(host, os.O_RDWR, 0); err == nil {
		probe.Close()
		n.file = rw
		return n, nil
	}
	// The host only grants the mode asked for; later opens share it
	n.file = probe
	return n, nil
}

// watchDir starts watching a host directory. Callers hold f.mu.
func (f *FS) watchDir(dir string) {
	if f.watched[dir] {
		return
	}
	if err := f.watcher.Add(dir); err != nil {
		f.logger.Warn("cannot watch directory", "dir", dir, "error", err)
		return
	}
	f.watched[dir] = true
}

func (f *FS) watch() {
	defer f.wg.Done()

	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				f.invalidate(event.Name)
			}
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error("watcher error", "error", err)
		}
	}
}

// invalidate drops the cached vnode for host, if any. It holds f.mu so an
// Open cannot take a reference on a vnode being evicted.
func (f *FS) invalidate(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cache.Remove(host) {
		f.logger.Debug("cache entry invalidated", "path", host)
	}
}

// onEvict runs under the cache lock when an entry leaves the cache
func (f *FS) onEvict(key, value interface{}) {
	value.(*vnode).evict()
}

// Cached reports whether a vnode for p is in the cache
func (f *FS) Cached(p string) bool {
	return f.cache.Contains(f.hostPath(p))
}

// Close stops the watcher and closes every idle host file
func (f *FS) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.done)
	f.mu.Unlock()

	f.wg.Wait()
	f.cache.Purge()
	return f.watcher.Close()
}
