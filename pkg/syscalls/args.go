package syscalls

import (
	"encoding/binary"

	"github.com/butter-bot-machines/kestrel/pkg/addrspace"
	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"golang.org/x/sys/unix"
)

// Pointers on the user stack are 32-bit little-endian words
const ptrSize = 4

func align(n int) int {
	return (n + ptrSize - 1) &^ (ptrSize - 1)
}

// argSize returns the stack bytes argv takes: every string with its
// terminator padded to a word, plus the pointer array and its nil.
func argSize(argv []string) int {
	n := ptrSize * (len(argv) + 1)
	for _, a := range argv {
		n += align(len(a) + 1)
	}
	return n
}

// copyOutArgs lays argv out below sp, strings first and the pointer array
// under them. It returns the address of the array, which is also the new
// stack pointer.
func copyOutArgs(as addrspace.AddrSpace, sp uint32, argv []string) (uint32, error) {
	ptrs := make([]uint32, len(argv)+1)
	for i, a := range argv {
		buf := make([]byte, align(len(a)+1))
		copy(buf, a)
		sp -= uint32(len(buf))
		if err := as.CopyOut(sp, buf); err != nil {
			return 0, err
		}
		ptrs[i] = sp
	}

	table := make([]byte, ptrSize*len(ptrs))
	for i, p := range ptrs {
		binary.LittleEndian.PutUint32(table[i*ptrSize:], p)
	}
	sp -= uint32(len(table))
	if err := as.CopyOut(sp, table); err != nil {
		return 0, err
	}
	return sp, nil
}

// copyInArgs reads a nil-terminated argv array at addr
func copyInArgs(as addrspace.AddrSpace, addr uint32, max int) ([]string, error) {
	var argv []string
	used := 0
	word := make([]byte, ptrSize)
	for {
		if used += ptrSize; used > max {
			return nil, errors.New(errors.ArgumentTooLong, unix.E2BIG, "arguments exceed %d bytes", max)
		}
		if err := as.CopyIn(addr, word); err != nil {
			return nil, err
		}
		p := binary.LittleEndian.Uint32(word)
		if p == 0 {
			return argv, nil
		}
		s, err := addrspace.CopyInString(as, p, max-used)
		if err != nil {
			return nil, err
		}
		used += align(len(s) + 1)
		argv = append(argv, s)
		addr += ptrSize
	}
}
