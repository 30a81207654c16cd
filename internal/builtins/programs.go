package builtins

import (
	"io"
	"strconv"
	"strings"

	"github.com/butter-bot-machines/kestrel/pkg/syscalls"
	"github.com/butter-bot-machines/kestrel/pkg/vfs"
)

var programs = map[string]syscalls.Main{
	"true":     func(*syscalls.User, []string) int { return 0 },
	"false":    func(*syscalls.User, []string) int { return 1 },
	"hello":    hello,
	"echo":     echo,
	"cat":      cat,
	"exit":     exit,
	"forktest": forktest,
	"dup2test": dup2test,
	"waittest": waittest,
}

func progName(argv []string, def string) string {
	if len(argv) > 0 {
		return argv[0]
	}
	return def
}

func hello(u *syscalls.User, argv []string) int {
	u.Printf("Hello from pid %d\n", u.Getpid())
	return 0
}

func echo(u *syscalls.User, argv []string) int {
	var args []string
	if len(argv) > 1 {
		args = argv[1:]
	}
	u.Printf("%s\n", strings.Join(args, " "))
	return 0
}

func exit(u *syscalls.User, argv []string) int {
	if len(argv) < 2 {
		return 0
	}
	code, err := strconv.Atoi(argv[1])
	if err != nil {
		u.Errorf("%s: bad code %q\n", progName(argv, "exit"), argv[1])
		return 255
	}
	return code
}

// copyFd copies src to standard output until end of file
func copyFd(u *syscalls.User, src int) error {
	buf := make([]byte, 512)
	for {
		n, err := u.Read(src, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if _, err := u.Write(syscalls.Stdout, buf[:n]); err != nil {
			return err
		}
	}
}

func cat(u *syscalls.User, argv []string) int {
	name := progName(argv, "cat")
	if len(argv) < 2 {
		if err := copyFd(u, syscalls.Stdin); err != nil {
			u.Errorf("%s: %v\n", name, err)
			return 1
		}
		return 0
	}

	status := 0
	for _, p := range argv[1:] {
		fd, err := u.Open(p, vfs.O_RDONLY)
		if err != nil {
			u.Errorf("%s: %s: %v\n", name, p, err)
			status = 1
			continue
		}
		if err := copyFd(u, fd); err != nil {
			u.Errorf("%s: %s: %v\n", name, p, err)
			status = 1
		}
		u.Close(fd)
	}
	return status
}

// forktest forks children that each exit with their index and checks
// every status comes back to the parent
func forktest(u *syscalls.User, argv []string) int {
	name := progName(argv, "forktest")
	n := 4
	if len(argv) > 1 {
		if v, err := strconv.Atoi(argv[1]); err == nil && v > 0 {
			n = v
		}
	}

	pids := make([]int, 0, n)
	for i := 0; i < n; i++ {
		code := i
		pid, err := u.Fork(func(c *syscalls.User) int {
			c.Printf("%s: child %d is pid %d\n", name, code, c.Getpid())
			return code
		})
		if err != nil {
			u.Errorf("%s: fork: %v\n", name, err)
			return 1
		}
		pids = append(pids, pid)
	}

	for i, pid := range pids {
		var status int
		if _, err := u.Waitpid(pid, &status, 0); err != nil {
			u.Errorf("%s: waitpid %d: %v\n", name, pid, err)
			return 1
		}
		if !syscalls.WIFEXITED(status) || syscalls.WEXITSTATUS(status) != i {
			u.Errorf("%s: pid %d status %d, want %d\n", name, pid, syscalls.WEXITSTATUS(status), i)
			return 1
		}
	}
	u.Printf("%s: %d children reaped\n", name, n)
	return 0
}

// dup2test sends standard output into a file and reads it back
func dup2test(u *syscalls.User, argv []string) int {
	name := progName(argv, "dup2test")
	p := "dup2test.out"
	if len(argv) > 1 {
		p = argv[1]
	}

	fd, err := u.Open(p, vfs.O_RDWR|vfs.O_CREAT|vfs.O_TRUNC)
	if err != nil {
		u.Errorf("%s: open %s: %v\n", name, p, err)
		return 1
	}
	saved, err := u.Dup2(syscalls.Stdout, fd+1)
	if err != nil {
		u.Errorf("%s: save stdout: %v\n", name, err)
		return 1
	}
	if _, err := u.Dup2(fd, syscalls.Stdout); err != nil {
		u.Errorf("%s: dup2: %v\n", name, err)
		return 1
	}

	const msg = "written through descriptor 1\n"
	u.Printf(msg)

	// fd and stdout share one offset
	if off, err := u.Lseek(fd, 0, io.SeekCurrent); err != nil || off != int64(len(msg)) {
		u.Errorf("%s: shared offset is %d, %v\n", name, off, err)
		return 1
	}
	u.Lseek(fd, 0, io.SeekStart)
	buf := make([]byte, len(msg))
	if n, err := u.Read(fd, buf); err != nil || string(buf[:n]) != msg {
		u.Errorf("%s: read back %q, %v\n", name, buf[:n], err)
		return 1
	}

	u.Dup2(saved, syscalls.Stdout)
	u.Close(saved)
	u.Close(fd)
	u.Printf("%s: ok\n", name)
	return 0
}

// waittest checks waitpid's error cases
func waittest(u *syscalls.User, argv []string) int {
	name := progName(argv, "waittest")
	fail := func(what string, err error) int {
		u.Errorf("%s: %s: %v\n", name, what, err)
		return 1
	}

	if _, err := u.Waitpid(u.Getpid(), nil, 0); err == nil {
		return fail("waitpid on self succeeded", nil)
	}

	pid, err := u.Fork(func(*syscalls.User) int { return 3 })
	if err != nil {
		return fail("fork", err)
	}
	if _, err := u.Waitpid(pid, nil, 1); err == nil {
		return fail("waitpid with options succeeded", nil)
	}

	var status int
	if got, err := u.Waitpid(pid, &status, 0); err != nil || got != pid {
		return fail("waitpid", err)
	}
	if syscalls.WEXITSTATUS(status) != 3 {
		u.Errorf("%s: status %d, want 3\n", name, syscalls.WEXITSTATUS(status))
		return 1
	}
	if _, err := u.Waitpid(pid, &status, 0); err == nil {
		return fail("second waitpid succeeded", nil)
	}

	u.Printf("%s: ok\n", name)
	return 0
}
