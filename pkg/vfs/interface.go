// Package vfs is the filesystem layer the descriptor tables open files
// through. Names take three forms: "dev:" names a device, "mnt:/a/b" a
// path on a mounted filesystem, and "/a/b" a path on the boot filesystem.
// Anything else is relative to the caller's current directory.
package vfs

import (
	"io/fs"
)

// Open flags
const (
	O_RDONLY  = 0
	O_WRONLY  = 1
	O_RDWR    = 2
	O_ACCMODE = 3
	O_CREAT   = 4
	O_EXCL    = 8
	O_TRUNC   = 16
	O_APPEND  = 32
)

// AccMode returns the access mode bits of flags
func AccMode(flags int) int {
	return flags & O_ACCMODE
}

// CanRead reports whether flags permit reading
func CanRead(flags int) bool {
	return AccMode(flags) == O_RDONLY || AccMode(flags) == O_RDWR
}

// CanWrite reports whether flags permit writing
func CanWrite(flags int) bool {
	return AccMode(flags) == O_WRONLY || AccMode(flags) == O_RDWR
}

// Stat describes a vnode
type Stat struct {
	Name string
	Size int64
	Mode fs.FileMode
}

// Vnode is one filesystem object with a reference count. Every successful
// Open or Lookup returns a vnode holding one reference for the caller.
type Vnode interface {
	// ReadAt reads into p at off. A read at or past the end returns 0, nil.
	ReadAt(p []byte, off int64) (int, error)
	// WriteAt writes p at off
	WriteAt(p []byte, off int64) (int, error)
	// Stat describes the vnode
	Stat() (Stat, error)
	// Truncate sets the size
	Truncate(size int64) error
	// IsSeekable reports whether offsets mean anything
	IsSeekable() bool
	// IsDir reports whether the vnode is a directory
	IsDir() bool
	// IncRef takes another reference
	IncRef()
	// DecRef drops a reference, releasing the object at zero
	DecRef() error
	// Location returns the device or mount name and the path on it
	Location() (mount string, path string)
}

// FS is a mountable filesystem. Paths handed to it are absolute and clean.
type FS interface {
	// Name is the mount name, the part before the colon
	Name() string
	// Open opens path with the given flags
	Open(path string, flags int) (Vnode, error)
	// Close releases the filesystem
	Close() error
}

// Device is a named device such as the console
type Device interface {
	Open(flags int) (Vnode, error)
}

// VFS resolves names to vnodes
type VFS interface {
	// Open resolves path relative to cwd and opens it
	Open(cwd Vnode, path string, flags int) (Vnode, error)
	// Lookup resolves path relative to cwd to a directory
	Lookup(cwd Vnode, path string) (Vnode, error)
	// Getcwd returns the full name of directory cwd
	Getcwd(cwd Vnode) (string, error)
	// Root returns the root directory of the boot filesystem
	Root() (Vnode, error)
}
