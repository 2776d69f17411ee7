//go:build linux

package poller

import (
	"golang.org/x/sys/unix"
)

type epollPoller struct {
	efd int
	wfd int // eventfd，用于唤醒
	raw []unix.EpollEvent
}

func New() (Poller, error) {
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(efd)
		return nil, err
	}
	p := &epollPoller{efd: efd, wfd: wfd}
	// 注册 wakeup fd
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(efd, unix.EPOLL_CTL_ADD, wfd, ev); err != nil {
		unix.Close(wfd)
		unix.Close(efd)
		return nil, err
	}
	return p, nil
}

func epollFlags(m Mask) uint32 {
	var flag uint32
	if m&In != 0 {
		flag |= unix.EPOLLIN
	}
	if m&Out != 0 {
		flag |= unix.EPOLLOUT
	}
	return flag
}

func (p *epollPoller) Register(fd FD, m Mask) error {
	ev := &unix.EpollEvent{Events: epollFlags(m), Fd: int32(fd)}
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_ADD, fd, ev)
}

func (p *epollPoller) Mod(fd FD, m Mask) error {
	ev := &unix.EpollEvent{Events: epollFlags(m), Fd: int32(fd)}
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) Unregister(fd FD) error {
	return unix.EpollCtl(p.efd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) Wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wfd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *epollPoller) Close() error {
	unix.Close(p.wfd)
	return unix.Close(p.efd)
}

func (p *epollPoller) Wait(events []Event, timeoutMs int) (int, error) {
	if cap(p.raw) < len(events)+1 {
		p.raw = make([]unix.EpollEvent, len(events)+1)
	}
	raw := p.raw[:len(events)+1]
	n, err := unix.EpollWait(p.efd, raw, timeoutMs)
	if err != nil {
		return 0, err
	}
	var efdBuf [8]byte
	out := 0
	for i := 0; i < n; i++ {
		ev := raw[i]
		fd := int(ev.Fd)
		if fd == p.wfd {
			// 清空 eventfd
			for {
				_, rerr := unix.Read(p.wfd, efdBuf[:])
				if rerr != nil {
					break
				}
			}
			continue
		}
		if out == len(events) {
			break
		}
		var m Mask
		if ev.Events&unix.EPOLLIN != 0 {
			m |= In
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			m |= Out
		}
		if ev.Events&unix.EPOLLERR != 0 {
			m |= Err
		}
		if ev.Events&unix.EPOLLHUP != 0 {
			m |= Hup
		}
		events[out] = Event{FD: fd, Mask: m}
		out++
	}
	return out, nil
}
