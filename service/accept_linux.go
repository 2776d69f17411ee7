//go:build linux

package service

import (
	"golang.org/x/sys/unix"
)

// accept 从 lfd 取出一个连接，返回非阻塞 socket。
func accept(lfd int) (int, error) {
	for {
		fd, _, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		return fd, err
	}
}
