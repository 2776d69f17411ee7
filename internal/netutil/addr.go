// Package netutil 提供各服务共用的 socket 辅助函数。
package netutil

import (
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidAddress 表示地址格式错误或无法解析。
var ErrInvalidAddress = errors.New("netutil: invalid address")

// ParseBindAddress 解析 "[HOST:]PORT"。省略 HOST 时使用 defaultHost，
// defaultHost 为空则报错。PORT 取值 1..65535；HOST 为 IPv4 字面量，或解析为域名后
// 取第一个 IPv4 地址。
func ParseBindAddress(s, defaultHost string) (*net.TCPAddr, error) {
	host, portStr := defaultHost, s
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		host, portStr = s[:i], s[i+1:]
	} else if defaultHost == "" {
		return nil, errors.Wrapf(ErrInvalidAddress, "%q: missing host", s)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, errors.Wrapf(ErrInvalidAddress, "%q: bad port", s)
	}

	ip, err := resolveIPv4(host)
	if err != nil {
		return nil, errors.Wrapf(err, "%q", s)
	}
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

var lookupIP = net.LookupIP

func resolveIPv4(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, errors.Wrapf(ErrInvalidAddress, "host %q is not IPv4", host)
	}
	if host == "" {
		return nil, errors.Wrap(ErrInvalidAddress, "empty host")
	}
	ips, err := lookupIP(host)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidAddress, err.Error())
	}
	for _, ip := range ips {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, errors.Wrapf(ErrInvalidAddress, "host %q has no IPv4 address", host)
}
