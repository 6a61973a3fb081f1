// Package uxstream provides a UNIX-stream listener built on the fdengine
// contract: it binds a path-named stream socket, registers it with the
// engine, and accepts connections in batches from the readiness callback.
//
// The bind sequence is atomic with respect to the listening path: the
// socket is created under a temporary name, permissions are applied before
// exposure, the previous socket (if any) is kept as a backup until the
// rename over the final path succeeds.
package uxstream

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"

	fdengine "github.com/joeycumines/go-fdengine"
)

// Standard errors.
var (
	// ErrListenerFull may be returned by an AcceptFunc to signal that no
	// further connections can be handled; the listener parks itself until
	// Resume is called.
	ErrListenerFull = errors.New("uxstream: listener full")
	// ErrClosed is returned by operations on a closed listener.
	ErrClosed = errors.New("uxstream: listener closed")
)

// State is the listener lifecycle state.
type State int32

const (
	// StateInit means not bound.
	StateInit State = iota
	// StateListen means bound and registered but not accepting.
	StateListen
	// StateReady means accepting.
	StateReady
	// StateFull means parked: bound, registered, read interest withdrawn.
	StateFull
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateListen:
		return "Listen"
	case StateReady:
		return "Ready"
	case StateFull:
		return "Full"
	default:
		return "Unknown"
	}
}

// AcceptFunc receives each accepted connection, already non-blocking and
// close-on-exec. Returning a non-nil error makes the listener close the
// connection; ErrListenerFull additionally parks the listener.
type AcceptFunc func(t *fdengine.Thread, conn int, addr *unix.SockaddrUnix) error

// Config configures a Listener.
type Config struct {
	// Logger receives listener diagnostics; nil disables logging.
	Logger *logiface.Logger[logiface.Event]
	// Path is the filesystem path to bind.
	Path string
	// Backlog is passed to listen(2).
	Backlog int
	// MaxAccept bounds the number of connections accepted per readiness
	// callback; 0 drains until would-block.
	MaxAccept int
	// Mode, when non-zero, is applied to the socket before it is exposed.
	Mode os.FileMode
	// UID/GID, when not -1, are applied to the socket before it is
	// exposed. Both left at 0 counts as unset (-1), so ownership is not
	// changed.
	UID int
	GID int
	// ThreadMask homes the listening descriptor; 0 means all workers.
	ThreadMask uint64
}

// Listener is a bound UNIX-stream listening socket driven by an Engine.
type Listener struct {
	eng    *fdengine.Engine
	accept AcceptFunc
	logger *logiface.Logger[logiface.Event]
	cfg    Config
	fd     int
	state  atomic.Int32
}

// Listen binds cfg.Path and registers the listening descriptor with the
// engine. The listener starts in StateListen; call Enable to accept.
func Listen(eng *fdengine.Engine, cfg Config, accept AcceptFunc) (*Listener, error) {
	if cfg.Path == "" {
		return nil, errors.New("uxstream: empty path")
	}
	if cfg.ThreadMask == 0 {
		cfg.ThreadMask = fdengine.AllThreads
	}
	if cfg.UID == 0 && cfg.GID == 0 {
		cfg.UID, cfg.GID = -1, -1
	}

	fd, err := bindSocket(cfg)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		eng:    eng,
		accept: accept,
		logger: cfg.Logger,
		cfg:    cfg,
		fd:     fd,
	}
	if err := eng.Insert(fd, l, l.onReadable, cfg.ThreadMask); err != nil {
		_ = unix.Close(fd)
		_ = unix.Unlink(cfg.Path)
		return nil, err
	}
	l.state.Store(int32(StateListen))

	l.logger.Info().
		Str("path", cfg.Path).
		Int("fd", fd).
		Log("unix listener bound")
	return l, nil
}

// bindSocket performs the atomic bind dance: temporary name, permissions,
// listen, then rename over the final path with the previous socket backed
// up until the point of no return.
func bindSocket(cfg Config) (int, error) {
	path := cfg.Path
	tempname := fmt.Sprintf("%s.%d.tmp", path, os.Getpid())
	backname := fmt.Sprintf("%s.%d.bak", path, os.Getpid())

	// Clean orphaned entries from an earlier crash, then keep a backup
	// link of the live socket so a failed rename can restore it.
	if err := unlinkIgnoreMissing(tempname); err != nil {
		return -1, fmt.Errorf("uxstream: unlink previous temporary socket: %w", err)
	}
	if err := unlinkIgnoreMissing(backname); err != nil {
		return -1, fmt.Errorf("uxstream: unlink previous backup socket: %w", err)
	}
	if err := unix.Link(path, backname); err != nil && !errors.Is(err, unix.ENOENT) {
		return -1, fmt.Errorf("uxstream: preserve previous socket: %w", err)
	}

	fail := func(step string, err error) (int, error) {
		_ = unlinkIgnoreMissing(tempname)
		_ = unlinkIgnoreMissing(backname)
		return -1, fmt.Errorf("uxstream: %s: %w", step, err)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fail("socket", err)
	}
	unix.CloseOnExec(fd)
	closeFail := func(step string, err error) (int, error) {
		_ = unix.Close(fd)
		return fail(step, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		return closeFail("set non-blocking", err)
	}
	// bind creates the socket under tempname on the file system.
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: tempname}); err != nil {
		return closeFail("bind", err)
	}
	if cfg.UID != -1 || cfg.GID != -1 {
		if err := unix.Chown(tempname, cfg.UID, cfg.GID); err != nil {
			return closeFail("chown", err)
		}
	}
	if cfg.Mode != 0 {
		if err := unix.Chmod(tempname, uint32(cfg.Mode)); err != nil {
			return closeFail("chmod", err)
		}
	}
	if err := unix.Listen(fd, cfg.Backlog); err != nil {
		return closeFail("listen", err)
	}

	// Point of no return: switch the sockets.
	if err := unix.Rename(tempname, path); err != nil {
		if rerr := unix.Rename(backname, path); rerr != nil && errors.Is(rerr, unix.ENOENT) {
			_ = unlinkIgnoreMissing(path)
		}
		return closeFail("rename", err)
	}
	_ = unlinkIgnoreMissing(backname)

	return fd, nil
}

func unlinkIgnoreMissing(path string) error {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return err
	}
	return nil
}

// FD returns the listening descriptor.
func (l *Listener) FD() int {
	return l.fd
}

// State returns the listener state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Enable starts accepting connections.
func (l *Listener) Enable() error {
	for {
		s := State(l.state.Load())
		switch s {
		case StateListen, StateFull:
			if !l.state.CompareAndSwap(int32(s), int32(StateReady)) {
				continue
			}
			l.eng.WantRecv(l.fd)
			return nil
		case StateReady:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Resume re-arms a parked listener.
func (l *Listener) Resume() error {
	return l.Enable()
}

// Full parks the listener: the engine stops watching the descriptor until
// Resume. Pending connections stay queued in the kernel backlog.
func (l *Listener) Full() {
	if l.state.CompareAndSwap(int32(StateReady), int32(StateFull)) {
		l.eng.StopRecv(l.fd)
	}
}

// Close detaches and closes the listening descriptor and removes the
// socket from the filesystem if it is no longer live.
func (l *Listener) Close() error {
	prev := l.state.Swap(int32(StateInit))
	if State(prev) == StateInit {
		return ErrClosed
	}
	err := l.eng.Delete(l.fd)
	destroySocket(l.cfg.Path)
	l.logger.Info().
		Str("path", l.cfg.Path).
		Log("unix listener closed")
	return err
}

// destroySocket removes path if no live listener is behind it. The probe
// connects with the wrong protocol (SOCK_DGRAM): a live stream socket
// answers anything but ECONNREFUSED, in which case the path is left alone
// because some other process owns it.
func destroySocket(path string) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return
	}
	defer unix.Close(fd)
	err = unix.Connect(fd, &unix.SockaddrUnix{Name: path})
	if errors.Is(err, unix.ECONNREFUSED) {
		_ = unix.Unlink(path)
	}
}

// onReadable accepts as many connections as the batch allows.
func (l *Listener) onReadable(t *fdengine.Thread, fd int) {
	maxAccept := l.cfg.MaxAccept
	for i := 0; maxAccept == 0 || i < maxAccept; i++ {
		cfd, sa, err := unix.Accept(fd)
		if err != nil {
			switch {
			case errors.Is(err, unix.EAGAIN):
				t.CantRecv(fd)
			case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
				continue
			case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE),
				errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM):
				// Out of sockets or memory: park until resumed, the
				// backlog keeps waiting connections.
				l.logger.Warning().
					Int("fd", fd).
					Err(err).
					Log("accept resource failure; parking listener")
				l.Full()
			default:
				l.logger.Warning().
					Int("fd", fd).
					Err(err).
					Log("accept failed")
				t.DoneRecv(fd)
			}
			return
		}

		unix.CloseOnExec(cfd)
		if err := unix.SetNonblock(cfd, true); err != nil {
			_ = unix.Close(cfd)
			continue
		}
		if cfd >= l.eng.MaxFDs() {
			l.logger.Warning().
				Int("fd", cfd).
				Log("accept: not enough table slots; dropping connection")
			_ = unix.Close(cfd)
			continue
		}

		addr, _ := sa.(*unix.SockaddrUnix)
		if err := l.accept(t, cfd, addr); err != nil {
			_ = unix.Close(cfd)
			if errors.Is(err, ErrListenerFull) {
				l.Full()
				return
			}
			continue
		}
	}

	// Batch exhausted with the backlog possibly non-empty: yield readiness
	// and let the level-triggered poller re-report it.
	t.DoneRecv(fd)
}
