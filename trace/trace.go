// Package trace provides the kernel's debug output sink and the
// assert/halt helpers built on top of it, mirroring the panic-with-
// formatted-message idiom the CPU exception handler uses for unhandled
// faults.
package trace

import (
	"fmt"

	"github.com/piforth/pisub-vm/status"
)

// Sink is the sequential debug output stream contract: a single
// Write(buf) -> (n, status) surface, deliberately small enough that a
// UART, a ring buffer or a /dev/null implementation can all satisfy it.
type Sink interface {
	Write(buf []byte) (int, status.Code)
}

var sink Sink

// SetSink installs the destination for Printf/Assert/MustSucceed output.
// A nil sink silently discards output.
func SetSink(s Sink) {
	sink = s
}

// Printf writes a formatted line to the installed sink. It is a no-op if
// no sink has been installed.
func Printf(format string, args ...interface{}) {
	if sink == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	sink.Write([]byte(msg))
}

// Assert halts with a formatted message if cond is false. Used for
// invariant violations that indicate a kernel bug rather than a
// recoverable error: overlapping VA intervals, a frame freed with the
// wrong tag, an accounting mismatch on a supposedly non-empty list.
func Assert(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	halt(format, args...)
}

// MustSucceed halts if st is a failing status code. Used at boot, where a
// map conflict or flag mismatch is always fatal.
func MustSucceed(st status.Code, format string, args ...interface{}) {
	if st.Succeeded() {
		return
	}
	halt("%s: %s", fmt.Sprintf(format, args...), st)
}

func halt(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if sink != nil {
		sink.Write([]byte("assertion failed: " + msg + "\n"))
	}
	panic(msg)
}
