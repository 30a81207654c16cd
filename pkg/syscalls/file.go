package syscalls

import (
	"sort"

	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"github.com/butter-bot-machines/kestrel/pkg/thread"
	"golang.org/x/sys/unix"
)

// trace logs a failed call with the errno and whatever context the error
// carries
func (s *Syscalls) trace(t *thread.Thread, call string, err error) {
	if err == nil {
		return
	}
	args := []interface{}{"pid", t.PID(), "errno", errors.Errno(err).Error()}
	ctx := errors.GetContext(err)
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, k, ctx[k])
	}
	if cause := errors.GetCause(err); cause != nil {
		args = append(args, "cause", cause.Error())
	}
	s.logger.Debug(call+" failed", args...)
}

func (s *Syscalls) checkPath(path string) error {
	if len(path) >= s.limits.PathMax {
		return errors.New(errors.ArgumentTooLong, unix.ENAMETOOLONG, "path longer than %d bytes", s.limits.PathMax-1)
	}
	return nil
}

// Open opens path and returns the lowest free descriptor
func (s *Syscalls) Open(t *thread.Thread, path string, flags int) (int, error) {
	if err := s.checkPath(path); err != nil {
		return -1, err
	}
	files, err := s.files(t)
	if err != nil {
		return -1, err
	}
	return files.Open(s.vfs, path, flags)
}

// Read reads up to len(buf) bytes from fd
func (s *Syscalls) Read(t *thread.Thread, fd int, buf []byte) (int, error) {
	files, err := s.files(t)
	if err != nil {
		return -1, err
	}
	n, err := files.Read(fd, buf)
	s.trace(t, "read", err)
	return n, err
}

// Write writes buf to fd
func (s *Syscalls) Write(t *thread.Thread, fd int, buf []byte) (int, error) {
	files, err := s.files(t)
	if err != nil {
		return -1, err
	}
	n, err := files.Write(fd, buf)
	s.trace(t, "write", err)
	return n, err
}

// Lseek moves fd's offset and returns the new one
func (s *Syscalls) Lseek(t *thread.Thread, fd int, pos int64, whence int) (int64, error) {
	files, err := s.files(t)
	if err != nil {
		return -1, err
	}
	off, err := files.Lseek(fd, pos, whence)
	s.trace(t, "lseek", err)
	return off, err
}

// Close closes fd
func (s *Syscalls) Close(t *thread.Thread, fd int) error {
	files, err := s.files(t)
	if err != nil {
		return err
	}
	err = files.Close(fd)
	s.trace(t, "close", err)
	return err
}

// Dup2 makes newfd refer to oldfd's open file
func (s *Syscalls) Dup2(t *thread.Thread, oldfd, newfd int) (int, error) {
	files, err := s.files(t)
	if err != nil {
		return -1, err
	}
	fd, err := files.Dup2(oldfd, newfd)
	s.trace(t, "dup2", err)
	return fd, err
}

// Chdir changes the current directory
func (s *Syscalls) Chdir(t *thread.Thread, path string) error {
	if err := s.checkPath(path); err != nil {
		return err
	}
	files, err := s.files(t)
	if err != nil {
		return err
	}
	return files.Chdir(s.vfs, path)
}

// Getcwd copies the name of the current directory into buf, without a
// terminator, and returns the number of bytes copied
func (s *Syscalls) Getcwd(t *thread.Thread, buf []byte) (int, error) {
	if len(buf) == 0 {
		return -1, errors.New(errors.InvalidArgument, unix.EINVAL, "empty buffer")
	}
	files, err := s.files(t)
	if err != nil {
		return -1, err
	}
	name, err := files.Getcwd(s.vfs)
	if err != nil {
		return -1, err
	}
	return copy(buf, name), nil
}
