//go:build darwin

package service

import (
	"golang.org/x/sys/unix"
)

// accept 从 lfd 取出一个连接，返回非阻塞 socket。
func accept(lfd int) (int, error) {
	for {
		fd, _, err := unix.Accept(lfd)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, err
		}
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			closeFD(fd)
			return -1, err
		}
		return fd, nil
	}
}
