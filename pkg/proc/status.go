package proc

// WaitStatus is the status waitpid reports. The low two bits say how the
// process ended and the rest carry the exit code.
type WaitStatus int

const (
	waitExited = 0
	waitMask   = 3
)

// MkWaitExit encodes a normal exit with code. Only the low eight bits of
// code are kept.
func MkWaitExit(code int) WaitStatus {
	return WaitStatus((code&0xff)<<2 | waitExited)
}

// Exited reports whether the process called exit
func (w WaitStatus) Exited() bool {
	return int(w)&waitMask == waitExited
}

// ExitStatus returns the exit code, or -1 if the process did not exit
func (w WaitStatus) ExitStatus() int {
	if !w.Exited() {
		return -1
	}
	return int(w) >> 2
}
