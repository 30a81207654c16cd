package memory

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/butter-bot-machines/kestrel/pkg/addrspace"
	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"golang.org/x/sys/unix"
)

// Manager creates address spaces backed by Go memory and charged to a
// shared coremap.
type Manager struct {
	coremap *Coremap
	// generation counts activations, standing in for TLB flushes
	generation atomic.Uint64
}

// NewManager creates a manager drawing frames from coremap
func NewManager(coremap *Coremap) *Manager {
	if coremap == nil {
		coremap = NewCoremap(0)
	}
	return &Manager{coremap: coremap}
}

// Create returns an empty address space
func (m *Manager) Create() (addrspace.AddrSpace, error) {
	return &AddrSpace{
		mgr:   m,
		pages: make(map[uint32][]byte),
	}, nil
}

// Coremap returns the frame accounting shared by this manager
func (m *Manager) Coremap() *Coremap {
	return m.coremap
}

// Activations returns how many times any address space was activated
func (m *Manager) Activations() uint64 {
	return m.generation.Load()
}

// AddrSpace implements addrspace.AddrSpace with one byte slice per page
type AddrSpace struct {
	mu        sync.Mutex
	mgr       *Manager
	regions   []addrspace.Region
	pages     map[uint32][]byte
	destroyed bool
}

func pageOf(vaddr uint32) uint32 {
	return vaddr &^ (addrspace.PageSize - 1)
}

// Copy deep copies every page into a new address space
func (as *AddrSpace) Copy() (addrspace.AddrSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.checkLive()

	if err := as.mgr.coremap.Alloc(len(as.pages)); err != nil {
		return nil, err
	}

	dup := &AddrSpace{
		mgr:     as.mgr,
		regions: append([]addrspace.Region(nil), as.regions...),
		pages:   make(map[uint32][]byte, len(as.pages)),
	}
	for va, page := range as.pages {
		dup.pages[va] = append([]byte(nil), page...)
	}
	return dup, nil
}

// Destroy frees every frame
func (as *AddrSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.checkLive()

	as.mgr.coremap.Free(len(as.pages))
	as.pages = nil
	as.regions = nil
	as.destroyed = true
}

// Activate records a switch into this address space
func (as *AddrSpace) Activate() {
	as.mgr.generation.Add(1)
}

// DefineRegion maps the pages covering [vaddr, vaddr+size)
func (as *AddrSpace) DefineRegion(vaddr uint32, size int, perm addrspace.Perm) error {
	if size <= 0 {
		return errors.New(errors.InvalidArgument, unix.EINVAL, "region size %d", size)
	}

	// Widen to whole pages
	size += int(vaddr - pageOf(vaddr))
	vaddr = pageOf(vaddr)
	npages := (size + addrspace.PageSize - 1) / addrspace.PageSize
	if uint64(vaddr)+uint64(npages)*addrspace.PageSize > 1<<32 {
		return errors.New(errors.InvalidArgument, unix.EINVAL, "region at 0x%x overflows", vaddr)
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	as.checkLive()

	r := addrspace.Region{Base: vaddr, NPages: npages, Perm: perm}
	for _, other := range as.regions {
		if uint64(r.Base) < uint64(other.Base)+uint64(other.NPages)*addrspace.PageSize &&
			uint64(other.Base) < uint64(r.Base)+uint64(r.NPages)*addrspace.PageSize {
			return errors.New(errors.InvalidArgument, unix.EINVAL,
				"region at 0x%x overlaps region at 0x%x", r.Base, other.Base)
		}
	}

	if err := as.mgr.coremap.Alloc(npages); err != nil {
		return err
	}
	for i := 0; i < npages; i++ {
		as.pages[vaddr+uint32(i)*addrspace.PageSize] = make([]byte, addrspace.PageSize)
	}

	as.regions = append(as.regions, r)
	sort.Slice(as.regions, func(i, j int) bool {
		return as.regions[i].Base < as.regions[j].Base
	})
	return nil
}

// DefineStack maps StackPages pages below UserStack
func (as *AddrSpace) DefineStack() (uint32, error) {
	base := addrspace.UserStack - addrspace.StackPages*addrspace.PageSize
	if err := as.DefineRegion(base, addrspace.StackPages*addrspace.PageSize, addrspace.PermRead|addrspace.PermWrite); err != nil {
		return 0, err
	}
	return addrspace.UserStack, nil
}

// CopyIn copies len(dst) bytes from user address vaddr
func (as *AddrSpace) CopyIn(vaddr uint32, dst []byte) error {
	return as.transfer(vaddr, dst, false)
}

// CopyOut copies src to user address vaddr
func (as *AddrSpace) CopyOut(vaddr uint32, src []byte) error {
	return as.transfer(vaddr, src, true)
}

func (as *AddrSpace) transfer(vaddr uint32, buf []byte, out bool) error {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.checkLive()

	if uint64(vaddr)+uint64(len(buf)) > 1<<32 {
		return errors.New(errors.Fault, unix.EFAULT, "range at 0x%x wraps", vaddr)
	}

	// Check the whole range first so a fault transfers nothing
	for va := pageOf(vaddr); uint64(va) < uint64(vaddr)+uint64(len(buf)); va += addrspace.PageSize {
		if _, ok := as.pages[va]; !ok {
			return errors.New(errors.Fault, unix.EFAULT, "address 0x%x not mapped", va)
		}
		if va == pageOf(^uint32(0)) {
			break
		}
	}

	for done := 0; done < len(buf); {
		va := vaddr + uint32(done)
		page := as.pages[pageOf(va)]
		off := int(va - pageOf(va))
		var n int
		if out {
			n = copy(page[off:], buf[done:])
		} else {
			n = copy(buf[done:], page[off:])
		}
		done += n
	}
	return nil
}

// Regions returns the mapped regions in address order
func (as *AddrSpace) Regions() []addrspace.Region {
	as.mu.Lock()
	defer as.mu.Unlock()
	return append([]addrspace.Region(nil), as.regions...)
}

// Pages returns the number of mapped pages
func (as *AddrSpace) Pages() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.pages)
}

func (as *AddrSpace) checkLive() {
	if as.destroyed {
		errors.Panic("address space used after destroy")
	}
}
