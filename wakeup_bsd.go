//go:build darwin || freebsd || netbsd || openbsd

package fdengine

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates a non-blocking pipe for wake-up notifications.
// Returns the read and write ends.
func createWakeFd() (int, int, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return -1, -1, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return -1, -1, err
		}
	}
	return fds[0], fds[1], nil
}

// closeWakeFd closes both pipe ends.
func closeWakeFd(readFd, writeFd int) {
	if readFd >= 0 {
		_ = unix.Close(readFd)
	}
	if writeFd >= 0 {
		_ = unix.Close(writeFd)
	}
}

// drainWakeFd consumes all pending wake-ups.
func drainWakeFd(readFd int) {
	var buf [64]byte
	for {
		if _, err := unix.Read(readFd, buf[:]); err != nil {
			return
		}
	}
}

// writeWakeFd posts one wake-up. EAGAIN means the pipe is already full,
// which is as good as delivered.
func writeWakeFd(writeFd int) {
	buf := [1]byte{1}
	for {
		_, err := unix.Write(writeFd, buf[:])
		if err != unix.EINTR {
			return
		}
	}
}
