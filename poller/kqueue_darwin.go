//go:build darwin

package poller

import (
	"golang.org/x/sys/unix"
)

type kqueuePoller struct {
	kq  int
	wfd int // 写端，用于唤醒
	rfd int // 读端，注册到 kqueue
	raw []unix.Kevent_t
	buf [16]byte
}

func New() (Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	// 使用管道作为唤醒
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		unix.Close(kq)
		return nil, err
	}
	rfd, wfd := p[0], p[1]
	_ = unix.SetNonblock(rfd, true)
	_ = unix.SetNonblock(wfd, true)
	unix.CloseOnExec(rfd)
	unix.CloseOnExec(wfd)
	kev := unix.Kevent_t{
		Ident:  uint64(rfd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD,
	}
	_, err = unix.Kevent(kq, []unix.Kevent_t{kev}, nil, nil)
	if err != nil {
		unix.Close(rfd)
		unix.Close(wfd)
		unix.Close(kq)
		return nil, err
	}
	return &kqueuePoller{kq: kq, wfd: wfd, rfd: rfd}, nil
}

func (p *kqueuePoller) change(fd FD, filter int16, flags uint16) error {
	kev := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{kev}, nil, nil)
	return err
}

// set 逐个过滤器设置；删除未添加过的过滤器不视为错误。
func (p *kqueuePoller) set(fd FD, m Mask) error {
	for _, f := range []struct {
		filter int16
		want   bool
	}{
		{unix.EVFILT_READ, m&In != 0},
		{unix.EVFILT_WRITE, m&Out != 0},
	} {
		if f.want {
			if err := p.change(fd, f.filter, unix.EV_ADD); err != nil {
				return err
			}
			continue
		}
		if err := p.change(fd, f.filter, unix.EV_DELETE); err != nil && err != unix.ENOENT {
			return err
		}
	}
	return nil
}

func (p *kqueuePoller) Register(fd FD, m Mask) error { return p.set(fd, m) }

func (p *kqueuePoller) Mod(fd FD, m Mask) error { return p.set(fd, m) }

func (p *kqueuePoller) Unregister(fd FD) error { return p.set(fd, 0) }

func (p *kqueuePoller) Wake() error {
	var b [1]byte
	b[0] = 1
	_, err := unix.Write(p.wfd, b[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *kqueuePoller) Close() error {
	unix.Close(p.rfd)
	unix.Close(p.wfd)
	return unix.Close(p.kq)
}

func (p *kqueuePoller) Wait(events []Event, timeoutMs int) (int, error) {
	if cap(p.raw) < len(events)+1 {
		p.raw = make([]unix.Kevent_t, len(events)+1)
	}
	raw := p.raw[:len(events)+1]
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(p.kq, nil, raw, ts)
	if err != nil {
		return 0, err
	}
	out := 0
	for i := 0; i < n; i++ {
		ev := raw[i]
		fd := int(ev.Ident)
		if fd == p.rfd {
			for {
				if _, rerr := unix.Read(p.rfd, p.buf[:]); rerr != nil {
					break
				}
			}
			continue
		}
		if out == len(events) {
			break
		}
		var m Mask
		switch ev.Filter {
		case unix.EVFILT_READ:
			m |= In
		case unix.EVFILT_WRITE:
			m |= Out
		}
		if ev.Flags&unix.EV_EOF != 0 {
			m |= Hup
		}
		if ev.Flags&unix.EV_ERROR != 0 {
			m |= Err
		}
		events[out] = Event{FD: fd, Mask: m}
		out++
	}
	return out, nil
}
