// Package builtins holds the programs kestrel can exec. An executable is
// a file whose first line is "#!kestrel <name>"; loading it maps the image
// into the new address space and runs the Go program registered as name.
package builtins

import (
	"bytes"
	"embed"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/butter-bot-machines/kestrel/pkg/addrspace"
	"github.com/butter-bot-machines/kestrel/pkg/errors"
	"github.com/butter-bot-machines/kestrel/pkg/syscalls"
	"github.com/butter-bot-machines/kestrel/pkg/vfs"
	"golang.org/x/sys/unix"
)

//go:embed bin
var images embed.FS

const (
	// Magic starts every executable
	Magic = "#!kestrel "
	// TextBase is where program images are mapped
	TextBase uint32 = 0x00400000
	// BinDir is where Install puts the images
	BinDir = "/bin"
)

// Loader implements syscalls.Loader for registered programs
type Loader struct {
	programs map[string]syscalls.Main
}

// NewLoader returns a loader knowing every built-in program
func NewLoader() *Loader {
	l := &Loader{programs: make(map[string]syscalls.Main)}
	for name, main := range programs {
		l.programs[name] = main
	}
	return l
}

// Register adds a program under name
func (l *Loader) Register(name string, main syscalls.Main) {
	l.programs[name] = main
}

// Load reads the image from vn, maps it at TextBase and returns the
// program it names
func (l *Loader) Load(vn vfs.Vnode, as addrspace.AddrSpace) (syscalls.Main, error) {
	if vn.IsDir() {
		return nil, errors.New(errors.IOError, unix.EISDIR, "cannot exec a directory")
	}
	image, err := readAll(vn)
	if err != nil {
		return nil, err
	}

	name, err := programName(image)
	if err != nil {
		return nil, err
	}
	main, ok := l.programs[name]
	if !ok {
		return nil, errors.New(errors.IOError, unix.ENOENT, "no program %q", name)
	}

	if err := as.DefineRegion(TextBase, len(image), addrspace.PermRead|addrspace.PermExec); err != nil {
		return nil, err
	}
	if err := as.CopyOut(TextBase, image); err != nil {
		return nil, err
	}
	return main, nil
}

func readAll(vn vfs.Vnode) ([]byte, error) {
	st, err := vn.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, st.Size)
	for off := 0; off < len(buf); {
		n, err := vn.ReadAt(buf[off:], int64(off))
		if err != nil {
			return nil, err
		}
		if n == 0 {
			buf = buf[:off]
			break
		}
		off += n
	}
	return buf, nil
}

// programName parses the header line of an image
func programName(image []byte) (string, error) {
	line := image
	if i := bytes.IndexByte(image, '\n'); i >= 0 {
		line = image[:i]
	}
	if !bytes.HasPrefix(line, []byte(Magic)) {
		return "", errors.New(errors.ExecFormat, unix.ENOEXEC, "not a kestrel executable")
	}
	name := strings.TrimSpace(string(line[len(Magic):]))
	if name == "" || strings.ContainsAny(name, " \t") {
		return "", errors.New(errors.ExecFormat, unix.ENOEXEC, "bad program name %q", name)
	}
	return name, nil
}

// Installer is a filesystem images can be written to
type Installer interface {
	WriteFile(p string, data []byte, perm fs.FileMode) error
}

// Install writes every built-in image into BinDir on dst
func Install(dst Installer) error {
	entries, err := images.ReadDir("bin")
	if err != nil {
		return errors.Wrap(err, "read embedded images")
	}
	for _, e := range entries {
		data, err := images.ReadFile(path.Join("bin", e.Name()))
		if err != nil {
			return errors.Wrap(err, "read image %s", e.Name())
		}
		if err := dst.WriteFile(path.Join(BinDir, e.Name()), data, 0755); err != nil {
			return errors.Wrap(err, "install %s", e.Name())
		}
	}
	return nil
}

// Names returns the built-in program names in order
func Names() []string {
	names := make([]string, 0, len(programs))
	for name := range programs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
