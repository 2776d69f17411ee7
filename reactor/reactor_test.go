package reactor

import (
	"bytes"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

type fakeClock struct{ now int64 }

func (c *fakeClock) read() int64 { return c.now }

func newReactor(t *testing.T, opts ...Option) *Reactor {
	t.Helper()
	r, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func newPipe(t *testing.T) (rfd, wfd int) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	require.NoError(t, unix.SetNonblock(p[0], true))
	require.NoError(t, unix.SetNonblock(p[1], true))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return p[0], p[1]
}

func TestIDsStrictlyIncrease(t *testing.T) {
	r := newReactor(t)
	rfd, _ := newPipe(t)
	a := r.RegisterTimer(10, func() {})
	b := r.RegisterIO(rfd, EventIn, func(Events) {})
	r.UnregisterTimer(a)
	c := r.RegisterTimer(10, func() {})
	assert.NotZero(t, a)
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestTimerNotBeforeExpiry(t *testing.T) {
	clk := &fakeClock{now: 1000}
	r := newReactor(t, WithClock(clk.read))

	fired := 0
	r.RegisterTimer(50, func() { fired++ })

	r.Poll(false)
	assert.Zero(t, fired)

	clk.now += 49
	r.Poll(false)
	assert.Zero(t, fired)

	clk.now++
	r.Poll(false)
	assert.Equal(t, 1, fired)

	clk.now += 1000
	r.Poll(false)
	assert.Equal(t, 1, fired, "timer must fire at most once")
	assert.Zero(t, r.PendingTimers())
}

func TestZeroDelayTimerFromTimerFiresNextPoll(t *testing.T) {
	clk := &fakeClock{}
	r := newReactor(t, WithClock(clk.read))

	var order []string
	r.RegisterTimer(0, func() {
		order = append(order, "first")
		r.RegisterTimer(0, func() { order = append(order, "second") })
	})

	r.Poll(false)
	assert.Equal(t, []string{"first"}, order)
	r.Poll(false)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestUnregisteredNeverFires(t *testing.T) {
	clk := &fakeClock{}
	r := newReactor(t, WithClock(clk.read))
	rfd, wfd := newPipe(t)

	var timerFired, ioFired bool
	tid := r.RegisterTimer(0, func() { timerFired = true })
	iid := r.RegisterIO(rfd, EventIn, func(Events) { ioFired = true })
	_, err := unix.Write(wfd, []byte("x"))
	require.NoError(t, err)

	r.UnregisterTimer(tid)
	r.UnregisterIO(iid)
	r.Poll(false)
	assert.False(t, timerFired)
	assert.False(t, ioFired)
	assert.Zero(t, r.PendingIO())
	assert.Zero(t, r.PendingTimers())
}

func TestUnregisterFromEarlierCallback(t *testing.T) {
	clk := &fakeClock{}
	r := newReactor(t, WithClock(clk.read))
	rfd, wfd := newPipe(t)
	_, err := unix.Write(wfd, []byte("x"))
	require.NoError(t, err)

	var tid ID
	timerFired := false
	tid = r.RegisterTimer(0, func() { timerFired = true })
	r.RegisterIO(rfd, EventIn, func(Events) { r.UnregisterTimer(tid) })

	r.Poll(false)
	assert.False(t, timerFired, "I/O callbacks run before timers")
}

func TestUnregisterIdempotent(t *testing.T) {
	r := newReactor(t)
	assert.NotPanics(t, func() {
		r.UnregisterIO(0)
		r.UnregisterTimer(0)
		r.UnregisterIO(12345)
		r.UnregisterTimer(12345)
	})

	clk := &fakeClock{}
	r = newReactor(t, WithClock(clk.read))
	id := r.RegisterTimer(0, func() {})
	r.Poll(false)
	assert.NotPanics(t, func() {
		r.UnregisterTimer(id)
		r.UnregisterTimer(id)
	})
}

func TestIOFiresOncePerRegistration(t *testing.T) {
	r := newReactor(t)
	rfd, wfd := newPipe(t)
	_, err := unix.Write(wfd, []byte("data"))
	require.NoError(t, err)

	var got []Events
	r.RegisterIO(rfd, EventIn|EventOut, func(ev Events) { got = append(got, ev) })
	r.Poll(true)
	require.Len(t, got, 1)
	assert.Equal(t, EventIn, got[0])

	// 仍然可读，但关注已是一次性的
	r.Poll(false)
	assert.Len(t, got, 1)
}

func TestSeveralInterestsOnOneDescriptor(t *testing.T) {
	r := newReactor(t)
	rfd, wfd := newPipe(t)

	var readFired, writeFired int
	r.RegisterIO(rfd, EventIn, func(Events) { readFired++ })
	r.RegisterIO(wfd, EventOut, func(Events) { writeFired++ })
	r.RegisterIO(wfd, EventOut, func(Events) { writeFired++ })

	r.Poll(true)
	assert.Zero(t, readFired)
	assert.Equal(t, 2, writeFired)
	assert.Equal(t, 1, r.PendingIO())
}

func TestIORegisteredDuringDispatchWaitsForNextPoll(t *testing.T) {
	r := newReactor(t)
	_, wfd := newPipe(t)

	var order []int
	r.RegisterIO(wfd, EventOut, func(Events) {
		order = append(order, 1)
		r.RegisterIO(wfd, EventOut, func(Events) { order = append(order, 2) })
	})
	r.Poll(true)
	assert.Equal(t, []int{1}, order)
	r.Poll(true)
	assert.Equal(t, []int{1, 2}, order)
}

func TestHangupReported(t *testing.T) {
	r := newReactor(t)
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	rfd := p[0]
	defer unix.Close(rfd)
	require.NoError(t, unix.Close(p[1]))

	var got Events
	r.RegisterIO(rfd, EventIn, func(ev Events) { got = ev })
	r.Poll(true)
	assert.NotZero(t, got&EventHup)
}

func TestClosedDescriptorReportsError(t *testing.T) {
	r := newReactor(t)
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	unix.Close(p[0])
	unix.Close(p[1])

	var got Events
	r.RegisterIO(p[0], EventIn, func(ev Events) { got = ev })
	r.Poll(true)
	assert.Equal(t, EventErr, got)
	assert.Zero(t, r.PendingIO())
}

func TestDescriptorReuseAfterClose(t *testing.T) {
	r := newReactor(t)
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	r.RegisterIO(p[0], EventIn, func(Events) {})
	r.Poll(false)

	// 保持注册状态时关闭再复用 fd 号
	require.NoError(t, unix.Close(p[0]))
	require.NoError(t, unix.Close(p[1]))
	rfd2, wfd2 := newPipe(t)

	fired := false
	r.RegisterIO(rfd2, EventIn, func(Events) { fired = true })
	_, err := unix.Write(wfd2, []byte("x"))
	require.NoError(t, err)
	r.Poll(true)
	assert.True(t, fired)
}

func TestDefer(t *testing.T) {
	clk := &fakeClock{}
	r := newReactor(t, WithClock(clk.read))

	var order []string
	r.RegisterTimer(0, func() {
		order = append(order, "timer")
		r.Defer(func() {
			order = append(order, "deferred")
			r.Defer(func() { order = append(order, "nested") })
		})
	})
	r.Poll(false)
	assert.Equal(t, []string{"timer", "deferred"}, order)

	// 有待执行的延迟任务时 Poll(true) 不阻塞
	r.Poll(true)
	assert.Equal(t, []string{"timer", "deferred", "nested"}, order)
}

func TestWakeInterruptsBlockingPoll(t *testing.T) {
	r := newReactor(t)
	var g errgroup.Group
	g.Go(func() error {
		time.Sleep(20 * time.Millisecond)
		return r.Wake()
	})
	start := time.Now()
	r.Poll(true)
	require.NoError(t, g.Wait())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPollBlocksUntilTimer(t *testing.T) {
	r := newReactor(t)
	fired := false
	r.RegisterTimer(30, func() { fired = true })
	start := time.Now()
	for !fired {
		r.Poll(true)
	}
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestTimeoutComputation(t *testing.T) {
	clk := &fakeClock{now: 100}
	r := newReactor(t, WithClock(clk.read))

	assert.Equal(t, -1, r.timeout(true))
	assert.Equal(t, 0, r.timeout(false))

	a := r.RegisterTimer(40, func() {})
	r.RegisterTimer(70, func() {})
	assert.Equal(t, 40, r.timeout(true))

	clk.now += 50
	assert.Equal(t, 0, r.timeout(true), "expired timer forces a non-blocking wait")

	r.UnregisterTimer(a)
	assert.Equal(t, 20, r.timeout(true))

	r.RegisterTimer(math.MaxInt64/2, func() {})
	assert.Equal(t, 20, r.timeout(true))

	r.Defer(func() {})
	assert.Equal(t, 0, r.timeout(true))
}

func TestTimeoutClampedToInt32(t *testing.T) {
	clk := &fakeClock{}
	r := newReactor(t, WithClock(clk.read))
	r.RegisterTimer(math.MaxInt32*4, func() {})
	assert.Equal(t, math.MaxInt32, r.timeout(true))
}

func TestUsageErrorsPanic(t *testing.T) {
	r := newReactor(t)
	rfd, _ := newPipe(t)
	assert.Panics(t, func() { r.RegisterIO(-1, EventIn, func(Events) {}) })
	assert.Panics(t, func() { r.RegisterIO(rfd, 0, func(Events) {}) })
	assert.Panics(t, func() { r.RegisterIO(rfd, EventIn, nil) })
	assert.Panics(t, func() { r.RegisterTimer(-1, func() {}) })
	assert.Panics(t, func() { r.RegisterTimer(0, nil) })
	assert.Panics(t, func() { r.Defer(nil) })
}

func TestReentrantPollPanics(t *testing.T) {
	clk := &fakeClock{}
	r := newReactor(t, WithClock(clk.read))
	var recovered any
	r.RegisterTimer(0, func() {
		defer func() { recovered = recover() }()
		r.Poll(false)
	})
	r.Poll(false)
	assert.NotNil(t, recovered)
}

func TestPollFailureLogsFatalAndPanics(t *testing.T) {
	var buf bytes.Buffer
	r, err := New(WithLogger(zerolog.New(&buf)))
	require.NoError(t, err)
	// 关闭 poller 后 Wait 返回 EBADF
	require.NoError(t, r.Close())

	assert.PanicsWithError(t, "reactor: event polling error: bad file descriptor", func() { r.Poll(false) })
	assert.Contains(t, buf.String(), `"level":"fatal"`)
	assert.Contains(t, buf.String(), "event polling error")
}

func TestTimeoutHelper(t *testing.T) {
	clk := &fakeClock{now: 10}
	r := newReactor(t, WithClock(clk.read))
	to := r.NewTimeout(100)
	assert.Equal(t, int64(100), to.Remaining(r))
	clk.now += 60
	assert.Equal(t, int64(40), to.Remaining(r))
	assert.False(t, to.Expired(r))
	clk.now += 60
	assert.Zero(t, to.Remaining(r))
	assert.True(t, to.Expired(r))
}
