// Package addrspace defines the user address space a process owns. The
// process table deep-copies it on fork, replaces it on exec and destroys
// it when the process is reaped.
package addrspace

import (
	"bytes"

	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// PageSize is the size of one virtual page and one physical frame
	PageSize = 4096
	// UserStack is the initial user stack pointer; the stack grows down
	UserStack uint32 = 0x80000000
	// StackPages is the number of pages DefineStack maps below UserStack
	StackPages = 18
)

// Perm is a set of region permissions
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

// Region is a page-aligned run of mapped pages
type Region struct {
	Base   uint32
	NPages int
	Perm   Perm
}

// End returns the first address past the region
func (r Region) End() uint32 {
	return r.Base + uint32(r.NPages)*PageSize
}

// AddrSpace is one process's user memory
type AddrSpace interface {
	// Copy returns a deep copy of every mapped page. A failed copy
	// leaves nothing allocated.
	Copy() (AddrSpace, error)

	// Destroy frees every frame. The address space is unusable after.
	Destroy()

	// Activate makes this the address space the current thread runs in
	Activate()

	// DefineRegion maps the pages covering [vaddr, vaddr+size)
	DefineRegion(vaddr uint32, size int, perm Perm) error

	// DefineStack maps the user stack and returns the initial stack pointer
	DefineStack() (uint32, error)

	// CopyIn copies len(dst) bytes from user address vaddr
	CopyIn(vaddr uint32, dst []byte) error

	// CopyOut copies src to user address vaddr
	CopyOut(vaddr uint32, src []byte) error

	// Regions returns the mapped regions in address order
	Regions() []Region
}

// Manager creates empty address spaces
type Manager interface {
	Create() (AddrSpace, error)
}

// CopyInString reads a NUL-terminated string of at most max bytes,
// terminator included, starting at vaddr.
func CopyInString(as AddrSpace, vaddr uint32, max int) (string, error) {
	var out []byte
	buf := make([]byte, 1)
	for len(out) < max {
		// Read up to the end of the current page so each CopyIn stays mapped
		chunk := PageSize - int(vaddr%PageSize)
		if rest := max - len(out); chunk > rest {
			chunk = rest
		}
		if cap(buf) < chunk {
			buf = make([]byte, chunk)
		}
		buf = buf[:chunk]
		if err := as.CopyIn(vaddr, buf); err != nil {
			return "", err
		}
		if i := bytes.IndexByte(buf, 0); i >= 0 {
			return string(append(out, buf[:i]...)), nil
		}
		out = append(out, buf...)
		vaddr += uint32(chunk)
	}
	return "", errors.New(errors.ArgumentTooLong, unix.ENAMETOOLONG, "string longer than %d bytes", max)
}
