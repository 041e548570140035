package bcm2835

import (
	"github.com/piforth/pisub-vm/status"
)

// consoleSink adapts a UART to trace.Sink, the debug stream contract the
// kernel entry point installs before doing anything else.
type consoleSink struct {
	UART
}

func (c consoleSink) Write(buf []byte) (int, status.Code) {
	c.UART.Write(buf)
	return len(buf), status.OK
}

// Console is the default board console, backed by the mini-UART.
var Console = consoleSink{MiniUART}
