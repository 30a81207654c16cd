package syscalls_test

import (
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/butter-bot-machines/kestrel/pkg/addrspace"
	asmem "github.com/butter-bot-machines/kestrel/pkg/addrspace/memory"
	"github.com/butter-bot-machines/kestrel/pkg/config"
	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"github.com/butter-bot-machines/kestrel/pkg/file"
	"github.com/butter-bot-machines/kestrel/pkg/logging"
	"github.com/butter-bot-machines/kestrel/pkg/logging/memory"
	"github.com/butter-bot-machines/kestrel/pkg/proc"
	"github.com/butter-bot-machines/kestrel/pkg/syscalls"
	"github.com/butter-bot-machines/kestrel/pkg/thread"
	"github.com/butter-bot-machines/kestrel/pkg/thread/concrete"
	"github.com/butter-bot-machines/kestrel/pkg/vfs"
	"github.com/butter-bot-machines/kestrel/pkg/vfs/device"
	"github.com/butter-bot-machines/kestrel/pkg/vfs/memfs"
	"golang.org/x/sys/unix"
)

// stubLoader runs the program named by the image's only line
type stubLoader map[string]syscalls.Main

func (l stubLoader) Load(vn vfs.Vnode, as addrspace.AddrSpace) (syscalls.Main, error) {
	st, err := vn.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, st.Size)
	if _, err := vn.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	main, ok := l[strings.TrimSpace(string(buf))]
	if !ok {
		return nil, errors.New(errors.ExecFormat, unix.ENOEXEC, "unknown image")
	}
	return main, as.DefineRegion(0x400000, len(buf), addrspace.PermRead|addrspace.PermExec)
}

type syncBuffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.String()
}

type env struct {
	sys     *syscalls.Syscalls
	procs   *proc.Table
	sched   *concrete.Scheduler
	coremap *asmem.Coremap
	fs      *memfs.FS
	out     *syncBuffer
	logger  *memory.Logger
	user    *syscalls.User
}

func limits() config.Limits {
	return config.Limits{OpenMax: 16, PIDMin: 2, PIDMax: 64, PathMax: 128, ArgMax: 256}
}

func newEnv(t *testing.T, programs stubLoader) *env {
	t.Helper()
	logger := memory.NewLogger(logging.LevelDebug, nil)
	out := &syncBuffer{}

	ns := vfs.NewNamespace(logger)
	ns.AddDevice("con", device.NewConsole(strings.NewReader("input\n"), out))
	root := memfs.New("root")
	root.MkdirAll("/tmp")
	root.WriteFile("/etc/motd", []byte("hello, world"), 0644)
	for name := range programs {
		root.WriteFile("/bin/"+name, []byte(name+"\n"), 0755)
	}
	if err := ns.Mount(root); err != nil {
		t.Fatal(err)
	}
	if err := ns.SetBootFS("root"); err != nil {
		t.Fatal(err)
	}

	procs, err := proc.NewTable(proc.Options{PIDMin: 2, PIDMax: 64, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	sched, err := concrete.NewScheduler(thread.Options{Logger: logger})
	if err != nil {
		t.Fatal(err)
	}
	coremap := asmem.NewCoremap(0)
	asm := asmem.NewManager(coremap)

	sys, err := syscalls.New(syscalls.Options{
		Procs:      procs,
		VFS:        ns,
		Scheduler:  sched,
		AddrSpaces: asm,
		Loader:     programs,
		Limits:     limits(),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}

	files, err := file.NewConsoleTable(limits().OpenMax, ns, logger)
	if err != nil {
		t.Fatal(err)
	}
	dir, err := ns.Root()
	if err != nil {
		t.Fatal(err)
	}
	files.SetCwd(dir)
	as, _ := asm.Create()
	pid, err := procs.Bootstrap("init", files, as)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		sched.Wait()
		procs.Teardown()
		ns.Close()
	})
	return &env{
		sys:     sys,
		procs:   procs,
		sched:   sched,
		coremap: coremap,
		fs:      root,
		out:     out,
		logger:  logger,
		user:    syscalls.NewUser(thread.New(0, "init", pid), sys),
	}
}

// reap waits for pid and returns its exit code
func reap(t *testing.T, u *syscalls.User, pid int) int {
	t.Helper()
	var status int
	got, err := u.Waitpid(pid, &status, 0)
	if err != nil || got != pid {
		t.Fatalf("Waitpid(%d) = %d, %v", pid, got, err)
	}
	if !syscalls.WIFEXITED(status) {
		t.Fatalf("status 0x%x is not an exit", status)
	}
	return syscalls.WEXITSTATUS(status)
}

func TestNew(t *testing.T) {
	logger := memory.NewLogger(logging.LevelDebug, nil)
	procs, _ := proc.NewTable(proc.Options{PIDMin: 1, PIDMax: 8, Logger: logger})
	sched, _ := concrete.NewScheduler(thread.Options{Logger: logger})
	full := syscalls.Options{
		Procs:      procs,
		VFS:        vfs.NewNamespace(logger),
		Scheduler:  sched,
		AddrSpaces: asmem.NewManager(asmem.NewCoremap(0)),
		Loader:     stubLoader{},
		Limits:     limits(),
		Logger:     logger,
	}

	tests := []struct {
		name   string
		modify func(*syscalls.Options)
	}{
		{"no process table", func(o *syscalls.Options) { o.Procs = nil }},
		{"no vfs", func(o *syscalls.Options) { o.VFS = nil }},
		{"no scheduler", func(o *syscalls.Options) { o.Scheduler = nil }},
		{"no address spaces", func(o *syscalls.Options) { o.AddrSpaces = nil }},
		{"no loader", func(o *syscalls.Options) { o.Loader = nil }},
		{"no logger", func(o *syscalls.Options) { o.Logger = nil }},
		{"no path limit", func(o *syscalls.Options) { o.Limits.PathMax = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := full
			tt.modify(&opts)
			if _, err := syscalls.New(opts); err == nil {
				t.Error("New() should fail")
			}
		})
	}

	if _, err := syscalls.New(full); err != nil {
		t.Errorf("New() = %v", err)
	}
}

func TestSyscalls_Files(t *testing.T) {
	e := newEnv(t, nil)
	u := e.user

	fd, err := u.Open("/tmp/notes", vfs.O_RDWR|vfs.O_CREAT)
	if err != nil || fd != 3 {
		t.Fatalf("Open() = %d, %v, want 3", fd, err)
	}
	if n, err := u.Write(fd, []byte("some notes")); err != nil || n != 10 {
		t.Fatalf("Write() = %d, %v", n, err)
	}
	if off, err := u.Lseek(fd, 5, io.SeekStart); err != nil || off != 5 {
		t.Fatalf("Lseek() = %d, %v", off, err)
	}
	buf := make([]byte, 32)
	if n, err := u.Read(fd, buf); err != nil || string(buf[:n]) != "notes" {
		t.Errorf("Read() = %q, %v", buf[:n], err)
	}

	if got, err := u.Dup2(fd, 9); err != nil || got != 9 {
		t.Fatalf("Dup2() = %d, %v", got, err)
	}
	if err := u.Close(fd); err != nil {
		t.Fatal(err)
	}
	if off, err := u.Lseek(9, 0, io.SeekCurrent); err != nil || off != 10 {
		t.Errorf("offset through the duplicate = %d, %v", off, err)
	}
	u.Close(9)

	u.Write(syscalls.Stdout, []byte("to the console\n"))
	if e.out.String() != "to the console\n" {
		t.Errorf("console = %q", e.out.String())
	}

	tests := []struct {
		name string
		call func() error
		want unix.Errno
	}{
		{"read closed", func() error { _, err := u.Read(fd, buf); return err }, unix.EBADF},
		{"write closed", func() error { _, err := u.Write(fd, buf); return err }, unix.EBADF},
		{"close twice", func() error { return u.Close(fd) }, unix.EBADF},
		{"dup2 out of range", func() error { _, err := u.Dup2(0, 16); return err }, unix.EBADF},
		{"missing file", func() error { _, err := u.Open("/etc/none", vfs.O_RDONLY); return err }, unix.ENOENT},
		{"long path", func() error { _, err := u.Open("/"+strings.Repeat("x", 127), vfs.O_RDONLY); return err }, unix.ENAMETOOLONG},
		{"bad mode", func() error { _, err := u.Open("/etc/motd", vfs.O_ACCMODE); return err }, unix.EINVAL},
		{"write read-only", func() error { _, err := u.Write(syscalls.Stdin, buf); return err }, unix.EBADF},
		{"seek console", func() error { _, err := u.Lseek(syscalls.Stdout, 0, io.SeekEnd); return err }, unix.ESPIPE},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("write far past the end", func(t *testing.T) {
		fd, err := u.Open("/tmp/sparse", vfs.O_RDWR|vfs.O_CREAT)
		if err != nil {
			t.Fatal(err)
		}
		defer u.Close(fd)
		if off, err := u.Lseek(fd, 1<<62, io.SeekStart); err != nil || off != 1<<62 {
			t.Fatalf("Lseek() = %d, %v", off, err)
		}
		if n, err := u.Write(fd, []byte("x")); n > 0 || !errors.Is(err, unix.EFBIG) {
			t.Errorf("Write() = %d, %v, want EFBIG", n, err)
		}
		if off, _ := u.Lseek(fd, 0, io.SeekCurrent); off != 1<<62 {
			t.Errorf("offset moved to %d by a failed write", off)
		}
	})
}

func TestSyscalls_FailureTrace(t *testing.T) {
	e := newEnv(t, nil)
	u := e.user

	tests := []struct {
		msg  string
		call func() error
		key  string
		want interface{}
	}{
		{"read failed", func() error { _, err := u.Read(12, nil); return err }, "fd", 12},
		{"dup2 failed", func() error { _, err := u.Dup2(7, 1); return err }, "fd", 7},
		{"waitpid failed", func() error { _, err := u.Waitpid(50, nil, 0); return err }, "target", 50},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if err := tt.call(); err == nil {
				t.Fatal("call should fail")
			}
			entries := e.logger.Find(tt.msg)
			if len(entries) != 1 {
				t.Fatalf("%d %q entries", len(entries), tt.msg)
			}
			if got, _ := entries[0].Value(tt.key); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.key, got, tt.want)
			}
			if got, _ := entries[0].Value("pid"); got != u.Getpid() {
				t.Errorf("pid = %v, want %d", got, u.Getpid())
			}
		})
	}

	if _, err := u.Write(syscalls.Stdout, []byte("ok\n")); err != nil {
		t.Fatal(err)
	}
	if got := e.logger.Find("write failed"); len(got) != 0 {
		t.Errorf("successful write traced: %+v", got)
	}
}

func TestSyscalls_Cwd(t *testing.T) {
	e := newEnv(t, nil)
	u := e.user
	buf := make([]byte, 64)

	getcwd := func() string {
		t.Helper()
		n, err := u.Getcwd(buf)
		if err != nil {
			t.Fatalf("Getcwd() = %v", err)
		}
		return string(buf[:n])
	}

	if got := getcwd(); got != "root:/" {
		t.Errorf("Getcwd() = %q", got)
	}
	if err := u.Chdir("/tmp"); err != nil {
		t.Fatal(err)
	}
	if got := getcwd(); got != "root:/tmp" {
		t.Errorf("Getcwd() = %q after chdir", got)
	}

	fd, err := u.Open("relative", vfs.O_WRONLY|vfs.O_CREAT)
	if err != nil {
		t.Fatal(err)
	}
	u.Close(fd)
	if _, err := e.fs.ReadFile("/tmp/relative"); err != nil {
		t.Errorf("relative open did not land in the current directory: %v", err)
	}

	if err := u.Chdir("/etc/motd"); !errors.Is(err, unix.ENOTDIR) {
		t.Errorf("Chdir(file) = %v, want ENOTDIR", err)
	}
	if err := u.Chdir("/nowhere"); !errors.Is(err, unix.ENOENT) {
		t.Errorf("Chdir(missing) = %v, want ENOENT", err)
	}
	if got := getcwd(); got != "root:/tmp" {
		t.Errorf("failed chdir moved the directory to %q", got)
	}

	short := make([]byte, 4)
	if n, err := u.Getcwd(short); err != nil || string(short[:n]) != "root" {
		t.Errorf("Getcwd(short) = %q, %v", short[:n], err)
	}
	if _, err := u.Getcwd(nil); !errors.Is(err, unix.EINVAL) {
		t.Errorf("Getcwd(nil) = %v, want EINVAL", err)
	}
}

func TestSyscalls_Fork(t *testing.T) {
	e := newEnv(t, nil)
	u := e.user

	t.Run("trap frame", func(t *testing.T) {
		if _, err := u.ForkFrame(nil); !errors.Is(err, unix.EFAULT) {
			t.Errorf("ForkFrame(nil) = %v, want EFAULT", err)
		}
		if _, err := u.ForkFrame(&syscalls.TrapFrame{}); !errors.Is(err, unix.EFAULT) {
			t.Errorf("ForkFrame without EPC = %v, want EFAULT", err)
		}

		tf := &syscalls.TrapFrame{
			V0: 40,
			A3: 1,
			EPC: func(c *syscalls.User, tf *syscalls.TrapFrame) int {
				return tf.V0 + tf.A3 + 5
			},
		}
		pid, err := u.ForkFrame(tf)
		if err != nil {
			t.Fatal(err)
		}
		if tf.V0 != pid || tf.A3 != 0 {
			t.Errorf("parent frame = %+v, want V0 %d", tf, pid)
		}
		if code := reap(t, u, pid); code != 5 {
			t.Errorf("child saw a nonzero return value: exit %d", code)
		}
	})

	t.Run("child state", func(t *testing.T) {
		u.Chdir("/tmp")
		defer u.Chdir("/")

		var childPid int
		var childCwd string
		pid, err := u.Fork(func(c *syscalls.User) int {
			childPid = c.Getpid()
			buf := make([]byte, 64)
			n, _ := c.Getcwd(buf)
			childCwd = string(buf[:n])
			c.Chdir("/etc")
			c.Close(syscalls.Stdout)
			return 0
		})
		if err != nil {
			t.Fatal(err)
		}
		reap(t, u, pid)

		if childPid != pid || pid == u.Getpid() {
			t.Errorf("child pid %d, fork returned %d", childPid, pid)
		}
		if childCwd != "root:/tmp" {
			t.Errorf("child cwd = %q", childCwd)
		}
		buf := make([]byte, 64)
		if n, _ := u.Getcwd(buf); string(buf[:n]) != "root:/tmp" {
			t.Errorf("child chdir moved the parent to %q", buf[:n])
		}
		if _, err := u.Write(syscalls.Stdout, nil); err != nil {
			t.Errorf("child close reached the parent: %v", err)
		}
	})

	t.Run("pids", func(t *testing.T) {
		seen := map[int]bool{u.Getpid(): true}
		for i := 0; i < 5; i++ {
			pid, err := u.Fork(func(*syscalls.User) int { return 0 })
			if err != nil {
				t.Fatal(err)
			}
			if seen[pid] {
				t.Errorf("pid %d reused", pid)
			}
			seen[pid] = true
			reap(t, u, pid)
		}
	})
}

func TestSyscalls_Waitpid(t *testing.T) {
	e := newEnv(t, nil)
	u := e.user

	release := make(chan struct{})
	var grandchild int
	ready := make(chan struct{})
	child, err := u.Fork(func(c *syscalls.User) int {
		grandchild, _ = c.Fork(func(*syscalls.User) int {
			<-release
			return 0
		})
		close(ready)
		var status int
		c.Waitpid(grandchild, &status, 0)
		return 0
	})
	if err != nil {
		t.Fatal(err)
	}
	<-ready

	tests := []struct {
		name    string
		pid     int
		options int
		want    unix.Errno
	}{
		{"self", u.Getpid(), 0, unix.ECHILD},
		{"grandchild", grandchild, 0, unix.ECHILD},
		{"no such process", 50, 0, unix.ESRCH},
		{"out of range", 5000, 0, unix.ESRCH},
		{"options", child, 1, unix.EINVAL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := u.Waitpid(tt.pid, nil, tt.options); !errors.Is(err, tt.want) {
				t.Errorf("Waitpid(%d, %d) = %v, want %v", tt.pid, tt.options, err, tt.want)
			}
		})
	}

	close(release)
	if _, err := u.Waitpid(child, nil, 0); err != nil {
		t.Errorf("Waitpid with a nil status = %v", err)
	}
	if _, err := u.Waitpid(child, nil, 0); !errors.Is(err, unix.ESRCH) {
		t.Errorf("second Waitpid = %v, want ESRCH", err)
	}
}

func TestSyscalls_Execv(t *testing.T) {
	var mu sync.Mutex
	var gotArgv []string
	var regions []addrspace.Region
	var e *env

	programs := stubLoader{
		"args": func(u *syscalls.User, argv []string) int {
			as, _ := e.procs.AddrSpace(u.Getpid())
			info, _ := e.procs.Lookup(u.Getpid())
			mu.Lock()
			gotArgv = argv
			regions = as.Regions()
			mu.Unlock()
			u.Printf("%s running as %s\n", argv[0], info.Name)
			return len(argv)
		},
	}
	e = newEnv(t, programs)
	u := e.user

	t.Run("replaces the program", func(t *testing.T) {
		pid, err := u.Fork(func(c *syscalls.User) int {
			// Only returns on failure
			c.Execv("/bin/args", []string{"args", "x", "yz"})
			return 100
		})
		if err != nil {
			t.Fatal(err)
		}
		if code := reap(t, u, pid); code != 3 {
			t.Errorf("exit = %d, want 3", code)
		}

		mu.Lock()
		defer mu.Unlock()
		if strings.Join(gotArgv, ",") != "args,x,yz" {
			t.Errorf("argv = %q", gotArgv)
		}
		if len(regions) != 2 || regions[0].Base != 0x400000 || regions[1].End() != addrspace.UserStack {
			t.Errorf("regions = %+v, want text and stack", regions)
		}
		if !strings.Contains(e.out.String(), "args running as /bin/args") {
			t.Errorf("console = %q", e.out.String())
		}
	})

	t.Run("failures keep the process", func(t *testing.T) {
		used := e.coremap.Used()
		errs := make(map[string]error)
		pid, err := u.Fork(func(c *syscalls.User) int {
			errs["nil argv"] = c.Execv("/bin/args", nil)
			errs["long path"] = c.Execv("/"+strings.Repeat("p", 200), []string{"p"})
			errs["too many args"] = c.Execv("/bin/args", []string{strings.Repeat("a", 300)})
			errs["missing"] = c.Execv("/bin/missing", []string{"missing"})
			errs["not a program"] = c.Execv("/etc/motd", []string{"motd"})
			errs["directory"] = c.Execv("/tmp", []string{"tmp"})
			return 42
		})
		if err != nil {
			t.Fatal(err)
		}
		if code := reap(t, u, pid); code != 42 {
			t.Fatalf("exit = %d, want 42", code)
		}
		if e.coremap.Used() != used {
			t.Errorf("frames in use = %d, want %d", e.coremap.Used(), used)
		}

		want := map[string]unix.Errno{
			"nil argv":      unix.EFAULT,
			"long path":     unix.ENAMETOOLONG,
			"too many args": unix.E2BIG,
			"missing":       unix.ENOENT,
			"not a program": unix.ENOEXEC,
		}
		for name, errno := range want {
			if !errors.Is(errs[name], errno) {
				t.Errorf("%s: Execv() = %v, want %v", name, errs[name], errno)
			}
		}
		if errs["directory"] == nil {
			t.Error("exec of a directory succeeded")
		}
	})
}
