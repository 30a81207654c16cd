package vfs_test

import (
	"bytes"
	"testing"

	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"github.com/butter-bot-machines/kestrel/pkg/logging"
	"github.com/butter-bot-machines/kestrel/pkg/logging/memory"
	"github.com/butter-bot-machines/kestrel/pkg/vfs"
	"github.com/butter-bot-machines/kestrel/pkg/vfs/device"
	"github.com/butter-bot-machines/kestrel/pkg/vfs/memfs"
	"golang.org/x/sys/unix"
)

func newNamespace(t *testing.T) (*vfs.Namespace, *memfs.FS, *bytes.Buffer) {
	t.Helper()
	ns := vfs.NewNamespace(memory.NewLogger(logging.LevelDebug, nil))

	var out bytes.Buffer
	if err := ns.AddDevice("con", device.NewConsole(nil, &out)); err != nil {
		t.Fatal(err)
	}
	if err := ns.AddDevice("null", device.Null{}); err != nil {
		t.Fatal(err)
	}

	root := memfs.New("root")
	if err := root.WriteFile("/home/readme", []byte("hi"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ns.Mount(root); err != nil {
		t.Fatal(err)
	}
	if err := ns.SetBootFS("root"); err != nil {
		t.Fatal(err)
	}

	scratch := memfs.New("scratch")
	if err := scratch.WriteFile("/tmp/x", []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ns.Mount(scratch); err != nil {
		t.Fatal(err)
	}
	return ns, root, &out
}

func location(t *testing.T, v vfs.Vnode) string {
	t.Helper()
	mount, p := v.Location()
	return mount + ":" + p
}

func TestNamespace_Resolve(t *testing.T) {
	ns, _, _ := newNamespace(t)

	home, err := ns.Lookup(nil, "/home")
	if err != nil {
		t.Fatalf("Lookup(/home) = %v", err)
	}
	defer home.DecRef()

	tests := []struct {
		name string
		cwd  vfs.Vnode
		path string
		want string
	}{
		{"device", nil, "con:", "con:"},
		{"mount path", nil, "scratch:/tmp/x", "scratch:/tmp/x"},
		{"mount path without slash", nil, "scratch:tmp/x", "scratch:/tmp/x"},
		{"boot absolute", nil, "/home/readme", "root:/home/readme"},
		{"relative to cwd", home, "readme", "root:/home/readme"},
		{"dot dot", home, "../home/./readme", "root:/home/readme"},
		{"relative without cwd", nil, "home/readme", "root:/home/readme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := ns.Open(tt.cwd, tt.path, vfs.O_RDONLY)
			if err != nil {
				t.Fatalf("Open(%q) = %v", tt.path, err)
			}
			defer v.DecRef()
			if got := location(t, v); got != tt.want {
				t.Errorf("Open(%q) resolved to %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestNamespace_Errors(t *testing.T) {
	ns, _, _ := newNamespace(t)

	tests := []struct {
		name  string
		path  string
		flags int
		want  unix.Errno
	}{
		{"empty", "", vfs.O_RDONLY, unix.EINVAL},
		{"bad access mode", "/home/readme", vfs.O_ACCMODE, unix.EINVAL},
		{"unknown device", "lpt:", vfs.O_RDONLY, unix.ENODEV},
		{"device subpath", "con:foo", vfs.O_RDONLY, unix.ENOTDIR},
		{"missing", "/nope", vfs.O_RDONLY, unix.ENOENT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ns.Open(nil, tt.path, tt.flags)
			if !errors.Is(err, tt.want) {
				t.Errorf("Open(%q) = %v, want %v", tt.path, err, tt.want)
			}
		})
	}

	t.Run("Lookup File", func(t *testing.T) {
		_, err := ns.Lookup(nil, "/home/readme")
		if !errors.Is(err, unix.ENOTDIR) {
			t.Errorf("Lookup() = %v, want ENOTDIR", err)
		}
	})

	t.Run("Name Clash", func(t *testing.T) {
		if err := ns.Mount(memfs.New("con")); !errors.Is(err, unix.EEXIST) {
			t.Errorf("Mount(con) = %v, want EEXIST", err)
		}
	})
}

func TestNamespace_Getcwd(t *testing.T) {
	ns, _, _ := newNamespace(t)

	root, err := ns.Root()
	if err != nil {
		t.Fatal(err)
	}
	defer root.DecRef()
	if got, _ := ns.Getcwd(root); got != "root:/" {
		t.Errorf("Getcwd(root) = %q", got)
	}

	tmp, err := ns.Lookup(root, "scratch:/tmp")
	if err != nil {
		t.Fatal(err)
	}
	defer tmp.DecRef()
	if got, _ := ns.Getcwd(tmp); got != "scratch:/tmp" {
		t.Errorf("Getcwd(tmp) = %q", got)
	}
}

func TestNamespace_Console(t *testing.T) {
	ns, _, out := newNamespace(t)
	v, err := ns.Open(nil, "con:", vfs.O_WRONLY)
	if err != nil {
		t.Fatal(err)
	}
	defer v.DecRef()
	if _, err := v.WriteAt([]byte("boot\n"), 0); err != nil {
		t.Fatal(err)
	}
	if out.String() != "boot\n" {
		t.Errorf("console = %q", out.String())
	}
}

func TestNamespace_Unmount(t *testing.T) {
	ns, _, _ := newNamespace(t)
	if err := ns.Unmount("scratch"); err != nil {
		t.Fatal(err)
	}
	if _, err := ns.Open(nil, "scratch:/tmp/x", vfs.O_RDONLY); !errors.Is(err, unix.ENODEV) {
		t.Errorf("Open after unmount = %v", err)
	}
	if err := ns.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if _, err := ns.Root(); !errors.Is(err, unix.ENOENT) {
		t.Errorf("Root() after close = %v", err)
	}
}
