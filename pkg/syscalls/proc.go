package syscalls

import (
	"fmt"

	"github.com/butter-bot-machines/kestrel/pkg/addrspace"
	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"github.com/butter-bot-machines/kestrel/pkg/proc"
	"github.com/butter-bot-machines/kestrel/pkg/thread"
	"github.com/butter-bot-machines/kestrel/pkg/vfs"
	"golang.org/x/sys/unix"
)

// TrapFrame is the register state a process resumes from. V0 carries the
// return value, A3 is set when V0 holds an errno, and EPC is where
// execution continues.
type TrapFrame struct {
	V0  int
	A3  int
	EPC func(u *User, tf *TrapFrame) int
}

// Fork creates a child process. The child starts on a new thread at
// tf.EPC with a copy of tf whose V0 and A3 are zero; whatever EPC returns
// becomes the child's exit code. The parent gets the child's pid.
func (s *Syscalls) Fork(t *thread.Thread, tf *TrapFrame) (int, error) {
	if tf == nil || tf.EPC == nil {
		return -1, errors.New(errors.Fault, unix.EFAULT, "fork: no trap frame")
	}
	child := *tf
	child.V0, child.A3 = 0, 0

	pid, err := s.procs.Fork(t.PID(), func(pid int) error {
		return s.sched.Spawn(fmt.Sprintf("pid-%d", pid), pid, func(ct *thread.Thread) {
			s.enterForked(ct, &child)
		})
	})
	if err != nil {
		return -1, err
	}
	tf.V0, tf.A3 = pid, 0
	return pid, nil
}

func (s *Syscalls) enterForked(t *thread.Thread, tf *TrapFrame) {
	u := &User{t: t, sys: s}
	if as, err := s.procs.AddrSpace(t.PID()); err == nil {
		as.Activate()
	}
	s.Exit(t, tf.EPC(u, tf))
}

// Execv replaces the calling process's program with the one at path,
// passing argv. It returns only on failure, leaving the process as it was.
func (s *Syscalls) Execv(t *thread.Thread, path string, argv []string) error {
	if argv == nil {
		return errors.New(errors.Fault, unix.EFAULT, "execv: nil argv")
	}
	if err := s.checkPath(path); err != nil {
		return err
	}
	if n := argSize(argv); n > s.limits.ArgMax {
		return errors.New(errors.ArgumentTooLong, unix.E2BIG, "execv: %d bytes of arguments, limit %d", n, s.limits.ArgMax)
	}

	files, err := s.files(t)
	if err != nil {
		return err
	}
	vn, err := files.OpenVnode(s.vfs, path, vfs.O_RDONLY)
	if err != nil {
		return err
	}

	main, args, as, err := s.load(vn, argv)
	if derr := vn.DecRef(); derr != nil {
		s.logger.Warn("release program vnode", "path", path, "error", derr)
	}
	if err != nil {
		return err
	}

	old, err := s.procs.Exec(t.PID(), path, as)
	if err != nil {
		as.Destroy()
		return err
	}
	as.Activate()
	old.Destroy()

	s.logger.Debug("exec", "pid", t.PID(), "path", path, "argc", len(args))
	s.Exit(t, main(&User{t: t, sys: s}, args))
	return nil
}

// load builds the new address space: program image, stack, and argv
// copied onto the stack and read back as the program will see it
func (s *Syscalls) load(vn vfs.Vnode, argv []string) (Main, []string, addrspace.AddrSpace, error) {
	as, err := s.asm.Create()
	if err != nil {
		return nil, nil, nil, err
	}
	fail := func(err error) (Main, []string, addrspace.AddrSpace, error) {
		as.Destroy()
		return nil, nil, nil, err
	}

	main, err := s.loader.Load(vn, as)
	if err != nil {
		return fail(err)
	}
	sp, err := as.DefineStack()
	if err != nil {
		return fail(err)
	}
	argvAddr, err := copyOutArgs(as, sp, argv)
	if err != nil {
		return fail(err)
	}
	args, err := copyInArgs(as, argvAddr, s.limits.ArgMax)
	if err != nil {
		return fail(err)
	}
	return main, args, as, nil
}

// Waitpid waits for child pid to exit and reaps it. The wait status is
// stored in status when it is not nil.
func (s *Syscalls) Waitpid(t *thread.Thread, pid int, status *int, options int) (int, error) {
	ws, err := s.procs.Wait(t.PID(), pid, options)
	if err != nil {
		s.trace(t, "waitpid", err)
		return -1, err
	}
	if status != nil {
		*status = int(ws)
	}
	return pid, nil
}

// Getpid returns the caller's pid
func (s *Syscalls) Getpid(t *thread.Thread) int {
	return t.PID()
}

// Exit ends the calling process with code and terminates its thread
func (s *Syscalls) Exit(t *thread.Thread, code int) {
	s.procs.Exit(t.PID(), code)
	s.sched.ExitCurrent()
}

// WIFEXITED reports whether status describes a normal exit
func WIFEXITED(status int) bool {
	return proc.WaitStatus(status).Exited()
}

// WEXITSTATUS returns the exit code in status
func WEXITSTATUS(status int) int {
	return proc.WaitStatus(status).ExitStatus()
}
