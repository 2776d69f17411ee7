package netutil

import (
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseBindAddress(t *testing.T) {
	lookupIP = func(host string) ([]net.IP, error) {
		switch host {
		case "sim.local":
			return []net.IP{net.ParseIP("fe80::1"), net.IPv4(10, 0, 0, 7)}, nil
		case "v6only.local":
			return []net.IP{net.ParseIP("fe80::1")}, nil
		}
		return nil, errors.New("no such host")
	}
	t.Cleanup(func() { lookupIP = net.LookupIP })

	ok := map[string]struct {
		in, def, want string
	}{
		"host and port": {"127.0.0.1:3333", "", "127.0.0.1:3333"},
		"port only":     {"2323", "127.0.0.1", "127.0.0.1:2323"},
		"wildcard":      {"0.0.0.0:80", "127.0.0.1", "0.0.0.0:80"},
		"max port":      {"65535", "127.0.0.1", "127.0.0.1:65535"},
		"resolved":      {"sim.local:4242", "", "10.0.0.7:4242"},
		"named default": {"99", "sim.local", "10.0.0.7:99"},
	}
	for name, tc := range ok {
		t.Run(name, func(t *testing.T) {
			a, err := ParseBindAddress(tc.in, tc.def)
			require.NoError(t, err)
			assert.Equal(t, tc.want, a.String())
		})
	}

	bad := map[string]struct{ in, def string }{
		"no default":   {"2323", ""},
		"port zero":    {"127.0.0.1:0", ""},
		"port too big": {"127.0.0.1:65536", ""},
		"port text":    {"127.0.0.1:http", ""},
		"empty port":   {"127.0.0.1:", ""},
		"empty host":   {":80", "127.0.0.1"},
		"ipv6 literal": {"::1:80", ""},
		"unresolvable": {"nowhere:80", ""},
		"no ipv4":      {"v6only.local:80", ""},
	}
	for name, tc := range bad {
		t.Run(name, func(t *testing.T) {
			a, err := ParseBindAddress(tc.in, tc.def)
			assert.ErrorIs(t, err, ErrInvalidAddress)
			assert.Nil(t, a)
		})
	}
}

func TestSockaddrRoundTrip(t *testing.T) {
	sa, err := Sockaddr(&net.TCPAddr{IP: net.IPv4(192, 168, 1, 2), Port: 1234})
	require.NoError(t, err)
	in4, ok := sa.(*unix.SockaddrInet4)
	require.True(t, ok)
	assert.Equal(t, [4]byte{192, 168, 1, 2}, in4.Addr)
	assert.Equal(t, "192.168.1.2:1234", TCPAddr(sa).String())

	sa, err = Sockaddr(&net.TCPAddr{Port: 80})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:80", TCPAddr(sa).String())

	sa, err = Sockaddr(&net.TCPAddr{IP: net.ParseIP("::1"), Port: 80})
	require.NoError(t, err)
	assert.IsType(t, &unix.SockaddrInet6{}, sa)
	assert.Equal(t, "[::1]:80", TCPAddr(sa).String())

	_, err = Sockaddr(nil)
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = Sockaddr(&net.TCPAddr{Port: -1})
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = Sockaddr(&net.TCPAddr{IP: net.IP{1, 2, 3}})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	assert.Nil(t, TCPAddr(&unix.SockaddrUnix{Name: "/tmp/x"}))
}

func TestSocketOptions(t *testing.T) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	require.NoError(t, SetReuseAddr(fd, true))
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR)
	require.NoError(t, err)
	assert.NotZero(t, v)

	require.NoError(t, SetNoDelay(fd, true))
	v, err = unix.GetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY)
	require.NoError(t, err)
	assert.NotZero(t, v)

	require.NoError(t, SetNonblock(fd, true))
}
