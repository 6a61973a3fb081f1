//go:build linux || darwin || freebsd || netbsd || openbsd

package fdengine

import (
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

func init() {
	registerPoller("poll", 100, func() poller { return &pollPoller{} })
}

// pollPoller is the portable poll(2) fallback. Registration is kept in two
// atomic bitmaps (one per direction); every wait rebuilds its pollfd array
// by scanning them up to the descriptor watermark, which keeps the backend
// stateless toward the kernel and trivially fork-safe.
type pollPoller struct {
	e         *Engine
	rd        []atomic.Uint32 // read-direction registration bitmap
	wr        []atomic.Uint32 // write-direction registration bitmap
	scratch   [][]unix.PollFd // one pollfd build buffer per worker
	maxFd     atomic.Int32    // watermark: highest fd ever registered, +1
	wakeRead  int
	wakeWrite int
	bit       uint64
	closed    atomic.Bool
}

func (p *pollPoller) name() string { return "poll" }

// Bitmap helpers, one bit per descriptor in 32-bit words.

func bitmapSet(words []atomic.Uint32, fd int) {
	words[fd/32].Or(1 << (uint(fd) & 31))
}

func bitmapClr(words []atomic.Uint32, fd int) {
	words[fd/32].And(^uint32(1 << (uint(fd) & 31)))
}

func bitmapIsSet(words []atomic.Uint32, fd int) bool {
	return words[fd/32].Load()&(1<<(uint(fd)&31)) != 0
}

func (p *pollPoller) init(e *Engine, bit uint64) error {
	wakeRead, wakeWrite, err := createWakeFd()
	if err != nil {
		return err
	}

	words := (e.tab.size() + 31) / 32
	p.e = e
	p.bit = bit
	p.rd = make([]atomic.Uint32, words)
	p.wr = make([]atomic.Uint32, words)
	p.scratch = make([][]unix.PollFd, e.Workers())
	p.wakeRead = wakeRead
	p.wakeWrite = wakeWrite
	return nil
}

func (p *pollPoller) term() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	closeWakeFd(p.wakeRead, p.wakeWrite)
}

func (p *pollPoller) fork() error {
	// Nothing kernel-side to rebuild; the pollfd array is rebuilt on every
	// wait from the bitmaps, which are cleared here and replayed by the
	// engine.
	for i := range p.rd {
		p.rd[i].Store(0)
		p.wr[i].Store(0)
	}
	return nil
}

func (p *pollPoller) poll(t *Thread, timeoutMs int) error {
	if p.closed.Load() {
		return ErrEngineClosed
	}

	// Rebuild the interest set. Each worker scans independently so
	// concurrent waits need no shared mutable state.
	pfds := p.scratch[t.ID()][:0]
	pfds = append(pfds, unix.PollFd{Fd: int32(p.wakeRead), Events: unix.POLLIN})
	limit := int(p.maxFd.Load())
	for fd := 0; fd < limit; fd++ {
		var events int16
		if bitmapIsSet(p.rd, fd) {
			events |= unix.POLLIN
		}
		if bitmapIsSet(p.wr, fd) {
			events |= unix.POLLOUT
		}
		if events != 0 {
			pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: events})
		}
	}
	p.scratch[t.ID()] = pfds

	n, err := unix.Poll(pfds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return os.NewSyscallError("poll", err)
	}
	if n <= 0 {
		return nil
	}

	for i := range pfds {
		re := pfds[i].Revents
		if re == 0 {
			continue
		}
		fd := int(pfds[i].Fd)
		if fd == p.wakeRead {
			if !p.e.stopping.Load() {
				drainWakeFd(p.wakeRead)
			}
			continue
		}

		var ev Events
		if re&unix.POLLIN != 0 {
			ev |= PollIn
		}
		if re&unix.POLLOUT != 0 {
			ev |= PollOut
		}
		if re&(unix.POLLERR|unix.POLLNVAL) != 0 {
			ev |= PollErr
		}
		if re&unix.POLLHUP != 0 {
			ev |= PollHup
		}
		p.e.updateEvents(fd, ev)
	}
	return nil
}

func (p *pollPoller) update(fd int) {
	en := p.e.tab.get(fd)
	st := en.state.Load()
	if en.threadMask.Load() == 0 {
		st = 0
	}

	if st&StatePolledR != 0 {
		bitmapSet(p.rd, fd)
	} else {
		bitmapClr(p.rd, fd)
	}
	if st&StatePolledW != 0 {
		bitmapSet(p.wr, fd)
	} else {
		bitmapClr(p.wr, fd)
	}

	if st&StatePolledRW != 0 {
		en.polledMask.Or(p.bit)
		for {
			cur := p.maxFd.Load()
			if int32(fd) < cur || p.maxFd.CompareAndSwap(cur, int32(fd)+1) {
				break
			}
		}
	} else {
		en.polledMask.And(^p.bit)
	}
}

func (p *pollPoller) clo(fd int) {
	if en := p.e.tab.get(fd); en.polledMask.Load()&p.bit != 0 {
		en.polledMask.And(^p.bit)
		bitmapClr(p.rd, fd)
		bitmapClr(p.wr, fd)
	}
}

func (p *pollPoller) wake() {
	writeWakeFd(p.wakeWrite)
}
