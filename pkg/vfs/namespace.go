package vfs

import (
	"path"
	"strings"
	"sync"

	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"github.com/butter-bot-machines/kestrel/pkg/logging"
	"golang.org/x/sys/unix"
)

// Namespace implements VFS over a table of devices and mounted filesystems
type Namespace struct {
	mu      sync.RWMutex
	devices map[string]Device
	mounts  map[string]FS
	bootfs  string
	logger  logging.Logger
}

// NewNamespace creates an empty namespace
func NewNamespace(logger logging.Logger) *Namespace {
	return &Namespace{
		devices: make(map[string]Device),
		mounts:  make(map[string]FS),
		logger:  logger.WithGroup("vfs"),
	}
}

// AddDevice registers d under name
func (n *Namespace) AddDevice(name string, d Device) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkFree(name); err != nil {
		return err
	}
	n.devices[name] = d
	n.logger.Debug("device added", "name", name)
	return nil
}

// Mount adds fs under its name
func (n *Namespace) Mount(fs FS) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.checkFree(fs.Name()); err != nil {
		return err
	}
	n.mounts[fs.Name()] = fs
	n.logger.Info("filesystem mounted", "name", fs.Name())
	return nil
}

func (n *Namespace) checkFree(name string) error {
	if name == "" || strings.ContainsAny(name, ":/") {
		return errors.New(errors.InvalidArgument, unix.EINVAL, "bad device name %q", name)
	}
	if _, ok := n.devices[name]; ok {
		return errors.New(errors.InvalidArgument, unix.EEXIST, "%s: already in use", name)
	}
	if _, ok := n.mounts[name]; ok {
		return errors.New(errors.InvalidArgument, unix.EEXIST, "%s: already in use", name)
	}
	return nil
}

// SetBootFS selects the mount that absolute paths resolve on
func (n *Namespace) SetBootFS(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.mounts[name]; !ok {
		return errors.New(errors.IOError, unix.ENODEV, "%s: no such filesystem", name)
	}
	n.bootfs = name
	return nil
}

// Unmount closes and removes the filesystem called name
func (n *Namespace) Unmount(name string) error {
	n.mu.Lock()
	fs, ok := n.mounts[name]
	if ok {
		delete(n.mounts, name)
		if n.bootfs == name {
			n.bootfs = ""
		}
	}
	n.mu.Unlock()

	if !ok {
		return errors.New(errors.IOError, unix.ENODEV, "%s: no such filesystem", name)
	}
	return fs.Close()
}

// Close unmounts every filesystem
func (n *Namespace) Close() error {
	n.mu.Lock()
	mounts := n.mounts
	n.mounts = make(map[string]FS)
	n.bootfs = ""
	n.mu.Unlock()

	agg := errors.NewAggregate()
	for name, fs := range mounts {
		if err := fs.Close(); err != nil {
			agg.Add(errors.Wrap(err, "unmount %s", name))
		}
	}
	return agg.ErrorOrNil()
}

// Open resolves name relative to cwd and opens it
func (n *Namespace) Open(cwd Vnode, name string, flags int) (Vnode, error) {
	if AccMode(flags) == O_ACCMODE {
		return nil, errors.New(errors.InvalidArgument, unix.EINVAL, "bad access mode in flags 0x%x", flags)
	}

	dev, fs, p, err := n.resolve(cwd, name)
	if err != nil {
		return nil, err
	}
	if dev != nil {
		return dev.Open(flags)
	}
	return fs.Open(p, flags)
}

// Lookup resolves name relative to cwd, which must be a directory
func (n *Namespace) Lookup(cwd Vnode, name string) (Vnode, error) {
	v, err := n.Open(cwd, name, O_RDONLY)
	if err != nil {
		return nil, err
	}
	if !v.IsDir() {
		if err := v.DecRef(); err != nil {
			n.logger.Warn("release after failed lookup", "name", name, "error", err)
		}
		return nil, errors.New(errors.InvalidArgument, unix.ENOTDIR, "%s: not a directory", name)
	}
	return v, nil
}

// Getcwd returns the full name of directory cwd
func (n *Namespace) Getcwd(cwd Vnode) (string, error) {
	if cwd == nil {
		return "", errors.New(errors.IOError, unix.ENOENT, "no current directory")
	}
	mount, p := cwd.Location()
	return mount + ":" + p, nil
}

// Root returns the root directory of the boot filesystem
func (n *Namespace) Root() (Vnode, error) {
	return n.Lookup(nil, "/")
}

// resolve splits name into a device, or a filesystem and a clean path on it
func (n *Namespace) resolve(cwd Vnode, name string) (Device, FS, string, error) {
	if name == "" {
		return nil, nil, "", errors.New(errors.InvalidArgument, unix.EINVAL, "empty path")
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	var mount, rel string
	switch i := strings.IndexByte(name, ':'); {
	case i >= 0:
		mount, rel = name[:i], name[i+1:]
		if dev, ok := n.devices[mount]; ok {
			if rel != "" {
				return nil, nil, "", errors.New(errors.InvalidArgument, unix.ENOTDIR, "%s: device has no subpaths", name)
			}
			return dev, nil, "", nil
		}
		rel = "/" + rel
	case strings.HasPrefix(name, "/"):
		mount, rel = n.bootfs, name
	case cwd != nil:
		var dir string
		mount, dir = cwd.Location()
		rel = path.Join(dir, name)
	default:
		mount, rel = n.bootfs, "/"+name
	}

	fs, ok := n.mounts[mount]
	if !ok {
		if mount == "" {
			return nil, nil, "", errors.New(errors.IOError, unix.ENOENT, "%s: no boot filesystem", name)
		}
		return nil, nil, "", errors.New(errors.IOError, unix.ENODEV, "%s: no such device", name)
	}
	return nil, fs, path.Clean(rel), nil
}
