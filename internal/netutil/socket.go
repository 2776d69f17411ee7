package netutil

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func SetNonblock(fd int, nonblock bool) error {
	return unix.SetNonblock(fd, nonblock)
}

func SetReuseAddr(fd int, enable bool) error {
	v := 0
	if enable {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, v)
}

func SetNoDelay(fd int, enable bool) error {
	v := 0
	if enable {
		v = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
}

// Sockaddr 把 TCP 地址转换为 unix.Sockaddr，IP 为 nil 时绑定 IPv4 通配地址。
func Sockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if addr == nil {
		return nil, ErrInvalidAddress
	}
	if addr.Port < 0 || addr.Port > 65535 {
		return nil, errors.Wrapf(ErrInvalidAddress, "port %d", addr.Port)
	}
	if addr.IP == nil {
		return &unix.SockaddrInet4{Port: addr.Port}, nil
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip6)
		return sa, nil
	}
	return nil, errors.Wrapf(ErrInvalidAddress, "ip %v", addr.IP)
}

// TCPAddr 转换 IPv4/IPv6 地址，其它地址族返回 nil。
func TCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	default:
		return nil
	}
}
