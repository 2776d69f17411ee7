//go:build linux || darwin

package service

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/x0sim/x0/internal/netutil"
)

const listenBacklog = 8

// openListener 创建绑定到 addr 的非阻塞监听 socket。
func openListener(addr *net.TCPAddr) (int, error) {
	sa, err := netutil.Sockaddr(addr)
	if err != nil {
		return -1, err
	}
	fam := unix.AF_INET
	if _, ok := sa.(*unix.SockaddrInet6); ok {
		fam = unix.AF_INET6
	}
	fd, err := unix.Socket(fam, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	unix.CloseOnExec(fd)
	_ = netutil.SetReuseAddr(fd, true)
	if err := netutil.SetNonblock(fd, true); err != nil {
		closeFD(fd)
		return -1, errors.Wrap(err, "set non-blocking")
	}
	if err := unix.Bind(fd, sa); err != nil {
		closeFD(fd)
		return -1, errors.Wrap(err, "bind")
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		closeFD(fd)
		return -1, errors.Wrap(err, "listen")
	}
	return fd, nil
}

// localAddr 返回 socket 绑定的地址。
func localAddr(fd int) *net.TCPAddr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return netutil.TCPAddr(sa)
}

// peerName 获取对端地址，失败时回退为 unknownPeer 与端口 0。
func peerName(fd int) (string, int) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return unknownPeer, 0
	}
	a := netutil.TCPAddr(sa)
	if a == nil {
		return unknownPeer, 0
	}
	return a.IP.String(), a.Port
}

func closeFD(fd int) {
	if fd < 0 {
		return
	}
	for unix.Close(fd) == unix.EINTR {
	}
}
