//go:build linux

package fdengine

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates an eventfd for wake-up notifications (Linux).
// Returns the single eventfd as both read and write ends.
func createWakeFd() (int, int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}

// closeWakeFd closes the wake eventfd on Linux.
func closeWakeFd(readFd, writeFd int) {
	if readFd >= 0 {
		_ = unix.Close(readFd)
	}
}

// drainWakeFd consumes all pending wake-ups.
func drainWakeFd(readFd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(readFd, buf[:]); err != nil {
			return
		}
	}
}

// writeWakeFd posts one wake-up. EAGAIN means the counter is already
// saturated, which is as good as delivered.
func writeWakeFd(writeFd int) {
	buf := [8]byte{7: 1}
	for {
		_, err := unix.Write(writeFd, buf[:])
		if err != unix.EINTR {
			return
		}
	}
}
