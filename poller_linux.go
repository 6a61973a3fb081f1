//go:build linux

package fdengine

import (
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

func init() {
	registerPoller("epoll", 300, func() poller { return &epollPoller{} })
}

// epollPoller is the level-triggered epoll backend. One epoll instance is
// shared by all workers; epoll_wait supports concurrent waiters, each
// worker folding the events it happened to receive.
type epollPoller struct {
	e      *Engine
	bufs   [][]unix.EpollEvent // one wait buffer per worker
	epfd   int
	wakeFd int
	bit    uint64
	closed atomic.Bool
}

func (p *epollPoller) name() string { return "epoll" }

func (p *epollPoller) init(e *Engine, bit uint64) error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return os.NewSyscallError("epoll_create1", err)
	}
	wakeFd, _, err := createWakeFd()
	if err != nil {
		_ = unix.Close(epfd)
		return err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		closeWakeFd(wakeFd, wakeFd)
		_ = unix.Close(epfd)
		return os.NewSyscallError("epoll_ctl", err)
	}

	p.e = e
	p.bit = bit
	p.epfd = epfd
	p.wakeFd = wakeFd
	p.bufs = make([][]unix.EpollEvent, e.Workers())
	for i := range p.bufs {
		p.bufs[i] = make([]unix.EpollEvent, maxPollEvents)
	}
	return nil
}

func (p *epollPoller) term() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	closeWakeFd(p.wakeFd, p.wakeFd)
	_ = unix.Close(p.epfd)
}

func (p *epollPoller) fork() error {
	// The old instance's kernel object is shared with the parent; abandon
	// it and rebuild. Registration is replayed lazily by the engine.
	_ = unix.Close(p.epfd)
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return os.NewSyscallError("epoll_create1", err)
	}
	p.epfd = epfd
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(p.wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, p.wakeFd, &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

func (p *epollPoller) poll(t *Thread, timeoutMs int) error {
	if p.closed.Load() {
		return ErrEngineClosed
	}
	buf := p.bufs[t.ID()]

	n, err := unix.EpollWait(p.epfd, buf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return os.NewSyscallError("epoll_wait", err)
	}

	for i := 0; i < n; i++ {
		fd := int(buf[i].Fd)
		if fd == p.wakeFd {
			if !p.e.stopping.Load() {
				drainWakeFd(p.wakeFd)
			}
			continue
		}

		var ev Events
		bits := buf[i].Events
		if bits&unix.EPOLLIN != 0 {
			ev |= PollIn
		}
		if bits&unix.EPOLLOUT != 0 {
			ev |= PollOut
		}
		if bits&unix.EPOLLERR != 0 {
			ev |= PollErr
		}
		if bits&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			ev |= PollHup
		}
		p.e.updateEvents(fd, ev)
	}
	return nil
}

func (p *epollPoller) update(fd int) {
	en := p.e.tab.get(fd)
	st := en.state.Load()
	wanted := st&StatePolledRW != 0 && en.threadMask.Load() != 0

	var opcode int
	if en.polledMask.Load()&p.bit != 0 {
		if !wanted {
			opcode = unix.EPOLL_CTL_DEL
			en.polledMask.And(^p.bit)
		} else {
			opcode = unix.EPOLL_CTL_MOD
		}
	} else if wanted {
		opcode = unix.EPOLL_CTL_ADD
		en.polledMask.Or(p.bit)
	} else {
		return
	}

	ev := unix.EpollEvent{Fd: int32(fd)}
	if st&StatePolledR != 0 {
		ev.Events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if st&StatePolledW != 0 {
		ev.Events |= unix.EPOLLOUT
	}

	err := unix.EpollCtl(p.epfd, opcode, fd, &ev)
	// The kernel view can lag a round behind across slot reuse; converge.
	if err == unix.ENOENT && opcode == unix.EPOLL_CTL_MOD {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	} else if err == unix.EEXIST && opcode == unix.EPOLL_CTL_ADD {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
	if err != nil && opcode != unix.EPOLL_CTL_DEL {
		p.e.logUpdateError("epoll", fd, err)
	}
}

func (p *epollPoller) clo(fd int) {
	if en := p.e.tab.get(fd); en.polledMask.Load()&p.bit != 0 {
		en.polledMask.And(^p.bit)
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
}

func (p *epollPoller) wake() {
	writeWakeFd(p.wakeFd)
}
