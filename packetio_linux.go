//go:build linux

package pemi

//
// Linux-only socket timestamp tuning for PacketIOPcap (spec §4.1: arrival
// timestamps drive every downstream flowlet/RTT computation). Note that
// PacketIOPcap's reader stamps each packet's arrival with time.Now() when
// it reads the packet; it does not use the kernel timestamp this option
// enables. Grounded on the
// pack's caps_linux.go/uping build-tag isolation pattern: anything that
// touches a raw socket option lives in its own linux-tagged file so the
// rest of the package stays portable.
//

import (
	"golang.org/x/sys/unix"
)

// enableKernelTimestamps asks the kernel to timestamp each frame as it is
// received (SO_TIMESTAMPNS). The arrival time PacketIOPcap hands to the
// engine is still the reader goroutine's own time.Now(), which can lag the
// true arrival time under load.
func enableKernelTimestamps(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1)
}
