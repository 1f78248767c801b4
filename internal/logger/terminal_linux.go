//go:build linux

package logger

import (
	"syscall"
	"unsafe"
)

// tcgets is the Linux ioctl for reading terminal attributes.
const tcgets = 0x5401

// isTerminal reports whether fd refers to a tty. The TCGETS probe fails
// with ENOTTY on pipes and regular files.
func isTerminal(fd uintptr) bool {
	var state syscall.Termios
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, tcgets,
		uintptr(unsafe.Pointer(&state)))
	return errno == 0
}
