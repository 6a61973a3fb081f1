//go:build linux || darwin || freebsd || netbsd || openbsd

package fdengine

import (
	"golang.org/x/sys/unix"
)

// closeFD closes a file descriptor on Unix systems.
func closeFD(fd int) error {
	return unix.Close(fd)
}

// setNonblock marks fd non-blocking; every descriptor handed to the engine
// must be, since callbacks may only perform non-blocking syscalls.
func setNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
