package syscalls

import (
	"fmt"

	"github.com/butter-bot-machines/kestrel/pkg/thread"
)

// Standard descriptors
const (
	Stdin  = 0
	Stdout = 1
	Stderr = 2
)

// User is a thread making system calls on behalf of its process
type User struct {
	t   *thread.Thread
	sys *Syscalls
}

// NewUser binds t to the system call layer
func NewUser(t *thread.Thread, sys *Syscalls) *User {
	return &User{t: t, sys: sys}
}

// Thread returns the calling thread
func (u *User) Thread() *thread.Thread {
	return u.t
}

// Fork starts a child that runs child and exits with its result. The
// parent gets the child's pid.
func (u *User) Fork(child func(c *User) int) (int, error) {
	return u.sys.Fork(u.t, &TrapFrame{
		EPC: func(c *User, tf *TrapFrame) int { return child(c) },
	})
}

// ForkFrame forks with an explicit trap frame
func (u *User) ForkFrame(tf *TrapFrame) (int, error) {
	return u.sys.Fork(u.t, tf)
}

// Execv replaces the process image with the program at path. It only
// returns on failure.
func (u *User) Execv(path string, argv []string) error {
	return u.sys.Execv(u.t, path, argv)
}

// Waitpid waits for child pid and reaps it
func (u *User) Waitpid(pid int, status *int, options int) (int, error) {
	return u.sys.Waitpid(u.t, pid, status, options)
}

// Getpid returns the process id
func (u *User) Getpid() int {
	return u.sys.Getpid(u.t)
}

// Exit ends the process with code. It does not return.
func (u *User) Exit(code int) {
	u.sys.Exit(u.t, code)
}

// Open opens path and returns a new descriptor
func (u *User) Open(path string, flags int) (int, error) {
	return u.sys.Open(u.t, path, flags)
}

// Read reads from fd into buf
func (u *User) Read(fd int, buf []byte) (int, error) {
	return u.sys.Read(u.t, fd, buf)
}

// Write writes buf to fd
func (u *User) Write(fd int, buf []byte) (int, error) {
	return u.sys.Write(u.t, fd, buf)
}

// Lseek repositions fd's offset
func (u *User) Lseek(fd int, pos int64, whence int) (int64, error) {
	return u.sys.Lseek(u.t, fd, pos, whence)
}

// Close releases fd
func (u *User) Close(fd int) error {
	return u.sys.Close(u.t, fd)
}

// Dup2 makes newfd a copy of oldfd
func (u *User) Dup2(oldfd, newfd int) (int, error) {
	return u.sys.Dup2(u.t, oldfd, newfd)
}

// Chdir changes the working directory
func (u *User) Chdir(path string) error {
	return u.sys.Chdir(u.t, path)
}

// Getcwd copies the working directory name into buf
func (u *User) Getcwd(buf []byte) (int, error) {
	return u.sys.Getcwd(u.t, buf)
}

// Printf writes formatted output to standard output
func (u *User) Printf(format string, args ...interface{}) {
	u.Write(Stdout, []byte(fmt.Sprintf(format, args...)))
}

// Errorf writes formatted output to standard error
func (u *User) Errorf(format string, args ...interface{}) {
	u.Write(Stderr, []byte(fmt.Sprintf(format, args...)))
}
