//go:build darwin || freebsd || netbsd || openbsd

package fdengine

import (
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

func init() {
	registerPoller("kqueue", 300, func() poller { return &kqueuePoller{} })
}

// kqueuePoller is the level-triggered kqueue backend. One kqueue is shared
// by all workers; kevent supports concurrent waiters.
type kqueuePoller struct {
	e          *Engine
	bufs       [][]unix.Kevent_t // one wait buffer per worker
	kq         int
	wakeRead   int
	wakeWrite  int
	bit        uint64
	closed     atomic.Bool
}

func (p *kqueuePoller) name() string { return "kqueue" }

func (p *kqueuePoller) init(e *Engine, bit uint64) error {
	kq, err := unix.Kqueue()
	if err != nil {
		return os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(kq)
	wakeRead, wakeWrite, err := createWakeFd()
	if err != nil {
		_ = unix.Close(kq)
		return err
	}
	wakeEv := []unix.Kevent_t{{
		Ident:  uint64(wakeRead),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}}
	if _, err := unix.Kevent(kq, wakeEv, nil, nil); err != nil {
		closeWakeFd(wakeRead, wakeWrite)
		_ = unix.Close(kq)
		return os.NewSyscallError("kevent", err)
	}

	p.e = e
	p.bit = bit
	p.kq = kq
	p.wakeRead = wakeRead
	p.wakeWrite = wakeWrite
	p.bufs = make([][]unix.Kevent_t, e.Workers())
	for i := range p.bufs {
		p.bufs[i] = make([]unix.Kevent_t, maxPollEvents)
	}
	return nil
}

func (p *kqueuePoller) term() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	closeWakeFd(p.wakeRead, p.wakeWrite)
	_ = unix.Close(p.kq)
}

func (p *kqueuePoller) fork() error {
	// kqueue descriptors are not inherited across fork; rebuild. The
	// engine replays registration lazily.
	_ = unix.Close(p.kq)
	kq, err := unix.Kqueue()
	if err != nil {
		return os.NewSyscallError("kqueue", err)
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	wakeEv := []unix.Kevent_t{{
		Ident:  uint64(p.wakeRead),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}}
	if _, err := unix.Kevent(kq, wakeEv, nil, nil); err != nil {
		return os.NewSyscallError("kevent", err)
	}
	return nil
}

func (p *kqueuePoller) poll(t *Thread, timeoutMs int) error {
	if p.closed.Load() {
		return ErrEngineClosed
	}
	buf := p.bufs[t.ID()]

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}

	n, err := unix.Kevent(p.kq, nil, buf, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return os.NewSyscallError("kevent", err)
	}

	for i := 0; i < n; i++ {
		fd := int(buf[i].Ident)
		if fd == p.wakeRead {
			if !p.e.stopping.Load() {
				drainWakeFd(p.wakeRead)
			}
			continue
		}

		var ev Events
		switch buf[i].Filter {
		case unix.EVFILT_READ:
			ev |= PollIn
		case unix.EVFILT_WRITE:
			ev |= PollOut
		}
		if buf[i].Flags&unix.EV_ERROR != 0 {
			ev |= PollErr
		}
		if buf[i].Flags&unix.EV_EOF != 0 {
			ev |= PollHup
		}
		p.e.updateEvents(fd, ev)
	}
	return nil
}

func (p *kqueuePoller) update(fd int) {
	en := p.e.tab.get(fd)
	st := en.state.Load()
	watched := en.polledMask.Load()&p.bit != 0
	if en.threadMask.Load() == 0 {
		st = 0
	}

	// One kevent call per change: a failing change (stale ENOENT from a
	// direction never armed) would otherwise abort the rest of a batch.
	apply := func(kev unix.Kevent_t) {
		_, _ = unix.Kevent(p.kq, []unix.Kevent_t{kev}, nil, nil)
	}

	if st&StatePolledRW == 0 {
		if !watched {
			return
		}
		apply(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
		apply(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
		en.polledMask.And(^p.bit)
		return
	}

	if st&StatePolledR != 0 {
		apply(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD | unix.EV_ENABLE})
	} else if watched {
		apply(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE})
	}
	if st&StatePolledW != 0 {
		apply(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD | unix.EV_ENABLE})
	} else if watched {
		apply(unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE})
	}
	en.polledMask.Or(p.bit)
}

func (p *kqueuePoller) clo(fd int) {
	if en := p.e.tab.get(fd); en.polledMask.Load()&p.bit != 0 {
		en.polledMask.And(^p.bit)
		_, _ = unix.Kevent(p.kq, []unix.Kevent_t{
			{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		}, nil, nil)
		_, _ = unix.Kevent(p.kq, []unix.Kevent_t{
			{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
		}, nil, nil)
	}
}

func (p *kqueuePoller) wake() {
	writeWakeFd(p.wakeWrite)
}
