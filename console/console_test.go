package console

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/x0sim/x0/reactor"
	"github.com/x0sim/x0/service"
)

func TestBuiltin(t *testing.T) {
	b := NewBuiltin("1.2.3")
	b.Register("add", "add numbers", func(args []string) (string, error) {
		return strings.Join(args, "+"), nil
	})

	out, err := b.Eval("  echo   a  b ")
	require.NoError(t, err)
	assert.Equal(t, "a b", out)

	out, err = b.Eval("version")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", out)

	out, err = b.Eval("")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = b.Eval("frobnicate 1")
	assert.EqualError(t, err, `unknown command "frobnicate"`)

	out, err = b.Eval("help")
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 5)
	assert.True(t, strings.HasPrefix(lines[0], "add "))
	assert.True(t, strings.HasPrefix(lines[3], "quit "))

	assert.Panics(t, func() { b.Register("", "", nil) })
}

func TestEvalReader(t *testing.T) {
	b := NewBuiltin("v")
	var out strings.Builder
	err := EvalReader(b, strings.NewReader("echo one\r\n\nversion\necho two"), &out)
	require.NoError(t, err)
	assert.Equal(t, "one\nv\ntwo\n", out.String())

	out.Reset()
	err = EvalReader(b, strings.NewReader("echo ok\nbogus\necho never"), &out)
	assert.EqualError(t, err, `line 2: unknown command "bogus"`)
	assert.Equal(t, "ok\n", out.String())
}

type harness struct {
	t   *testing.T
	r   *reactor.Reactor
	svc *service.Service[*Session]
}

func start(t *testing.T, ev Evaluator, opts ...Option) *harness {
	t.Helper()
	r, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	svc, err := service.New[*Session](r, "console", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}, 2,
		NewHandler(r, ev, opts...))
	require.NoError(t, err)
	t.Cleanup(svc.Destroy)
	return &harness{t: t, r: r, svc: svc}
}

// run 在后台执行 client，同时在当前 goroutine 驱动 reactor。
func (h *harness) run(client func(c net.Conn, rd *bufio.Reader) error) {
	h.t.Helper()
	c, err := net.DialTimeout("tcp", h.svc.Addr().String(), 2*time.Second)
	require.NoError(h.t, err)
	defer c.Close()
	require.NoError(h.t, c.SetDeadline(time.Now().Add(10*time.Second)))

	var g errgroup.Group
	var done atomic.Bool
	g.Go(func() error {
		defer done.Store(true)
		return client(c, bufio.NewReader(c))
	})
	deadline := time.Now().Add(10 * time.Second)
	for !done.Load() {
		require.True(h.t, time.Now().Before(deadline))
		id := h.r.RegisterTimer(5, func() {})
		h.r.Poll(true)
		h.r.UnregisterTimer(id)
	}
	require.NoError(h.t, g.Wait())
}

func expect(rd *bufio.Reader, want string) error {
	got := make([]byte, len(want))
	if _, err := io.ReadFull(rd, got); err != nil {
		return errors.Wrapf(err, "waiting for %q", want)
	}
	if string(got) != want {
		return errors.Errorf("got %q, want %q", got, want)
	}
	return nil
}

func expectEOF(rd *bufio.Reader) error {
	rest, err := io.ReadAll(rd)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return errors.Errorf("unexpected trailing output %q", rest)
	}
	return nil
}

func TestConsoleSession(t *testing.T) {
	h := start(t, NewBuiltin("9.9"), WithBanner("welcome"))
	h.run(func(c net.Conn, rd *bufio.Reader) error {
		steps := []struct{ send, want string }{
			{"", "welcome\n" + prompt},
			{"echo hi there\n", "hi there\n" + prompt},
			{"nope\r\n", "error: unknown command \"nope\"\n" + prompt},
			{"\n", prompt},
			{"ver", ""},
			{"sion\n", "9.9\n" + prompt},
			{"quit\n", "bye\n"},
		}
		for _, s := range steps {
			if s.send != "" {
				if _, err := io.WriteString(c, s.send); err != nil {
					return err
				}
			}
			if err := expect(rd, s.want); err != nil {
				return err
			}
		}
		return expectEOF(rd)
	})
	pumpUntil(t, h.r, func() bool { return h.svc.Len() == 0 })
}

func TestConsoleLineTooLong(t *testing.T) {
	h := start(t, NewBuiltin("v"))
	h.run(func(c net.Conn, rd *bufio.Reader) error {
		if err := expect(rd, prompt); err != nil {
			return err
		}
		long := strings.Repeat("x", maxLine+10) + "\necho after\n"
		if _, err := io.WriteString(c, long); err != nil {
			return err
		}
		if err := expect(rd, "error: line too long\n"+prompt+"after\n"+prompt); err != nil {
			return err
		}
		return nil
	})
}

func TestConsoleLargeOutputIsQueued(t *testing.T) {
	big := strings.Repeat("0123456789abcdef", 1<<16) // 1MiB
	ev := EvalFunc(func(string) (string, error) { return big, nil })
	h := start(t, ev, WithOutputBuffer(2<<20))
	h.run(func(c net.Conn, rd *bufio.Reader) error {
		if err := expect(rd, prompt); err != nil {
			return err
		}
		if _, err := io.WriteString(c, "dump\n"); err != nil {
			return err
		}
		// 让服务端先写满发送缓冲
		time.Sleep(50 * time.Millisecond)
		return expect(rd, big+"\n"+prompt)
	})
}

func TestConsoleOverflowClosesSession(t *testing.T) {
	big := strings.Repeat("z", 64<<20)
	ev := EvalFunc(func(string) (string, error) { return big, nil })
	h := start(t, ev, WithOutputBuffer(4096))
	h.run(func(c net.Conn, rd *bufio.Reader) error {
		if err := expect(rd, prompt); err != nil {
			return err
		}
		if _, err := io.WriteString(c, "dump\n"); err != nil {
			return err
		}
		n, err := io.Copy(io.Discard, rd)
		if err != nil {
			return err
		}
		if n >= int64(len(big)) {
			return errors.Errorf("expected truncated output, got %d bytes", n)
		}
		return nil
	})
	pumpUntil(t, h.r, func() bool { return h.svc.Len() == 0 })
}

func TestConsoleIdleTimeout(t *testing.T) {
	h := start(t, NewBuiltin("v"), WithIdleTimeout(50))
	h.run(func(c net.Conn, rd *bufio.Reader) error {
		if err := expect(rd, prompt); err != nil {
			return err
		}
		return expectEOF(rd)
	})
}

func TestConsolePeerClose(t *testing.T) {
	var lines int
	h := start(t, EvalFunc(func(string) (string, error) { lines++; return "", nil }))
	h.run(func(c net.Conn, rd *bufio.Reader) error {
		if err := expect(rd, prompt); err != nil {
			return err
		}
		if _, err := io.WriteString(c, "a\nb\n"); err != nil {
			return err
		}
		if err := expect(rd, prompt+prompt); err != nil {
			return err
		}
		return c.(*net.TCPConn).CloseWrite()
	})
	pumpUntil(t, h.r, func() bool { return h.svc.Len() == 0 })
	assert.Equal(t, 2, lines)
}

func pumpUntil(t *testing.T, r *reactor.Reactor, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline))
		id := r.RegisterTimer(5, func() {})
		r.Poll(true)
		r.UnregisterTimer(id)
	}
}
