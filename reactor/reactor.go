// Package reactor 是单线程、回调驱动的 I/O 与定时器事件循环。
//
// 所有关注都是一次性的：I/O 或定时器句柄最多触发一次，且在回调执行前已注销，
// 想继续关注需要在回调里重新注册。回调全部在调用 Poll 的 goroutine 中同步执行；
// 除 Wake 外，Reactor 只能在该 goroutine 中使用。
package reactor

import (
	"math"
	"time"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/x0sim/x0/poller"
)

// ID 标识一个已注册的关注。严格递增、永不复用；0 表示“无句柄”。
type ID uint64

// Events 是 I/O 就绪条件集合。
type Events = poller.Mask

const (
	EventIn  = poller.In  // 可读
	EventOut = poller.Out // 可写
	EventErr = poller.Err // 错误，总是上报
	EventHup = poller.Hup // 挂断，总是上报
)

// IOFunc 以触发条件为参数被调用。
type IOFunc func(events Events)

// TimerFunc 在定时器到期时被调用。
type TimerFunc func()

const maxEvents = 256

type ioRecord struct {
	id   ID
	fd   int
	mask Events
	cb   IOFunc
}

type timerRecord struct {
	id     ID
	expiry int64
	cb     TimerFunc
}

// fdWatch 记录单个描述符上的关注以及内核侧的注册状态。
type fdWatch struct {
	ids        []ID
	registered bool
	failed     bool
}

// Reactor 复用一次性的 I/O 与定时器关注。
type Reactor struct {
	log   zerolog.Logger
	clock func() int64
	p     poller.Poller

	lastID ID

	io      []ioRecord
	ioFree  []int
	ioIndex map[ID]int

	timers     []timerRecord
	timerFree  []int
	timerIndex map[ID]int

	fds    map[int]*fdWatch
	dirty  map[int]struct{}
	failed []int

	deferred *queue.Queue
	events   []poller.Event
	polling  bool
}

// Option 配置 Reactor。
type Option func(*Reactor)

// WithLogger 设置日志，多路复用失败时以 fatal 级别输出。
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reactor) { r.log = l }
}

// WithClock 替换单调毫秒时钟，测试用。
func WithClock(clock func() int64) Option {
	return func(r *Reactor) { r.clock = clock }
}

var epoch = time.Now()

// MonotonicClock 返回进程单调时钟的毫秒数。
func MonotonicClock() int64 {
	return time.Since(epoch).Milliseconds()
}

// New 基于平台 poller 创建 Reactor。
func New(opts ...Option) (*Reactor, error) {
	p, err := poller.New()
	if err != nil {
		return nil, errors.Wrap(err, "reactor: create poller")
	}
	r := &Reactor{
		log:        zerolog.Nop(),
		clock:      MonotonicClock,
		p:          p,
		io:         make([]ioRecord, 0, 16),
		ioIndex:    make(map[ID]int),
		timers:     make([]timerRecord, 0, 16),
		timerIndex: make(map[ID]int),
		fds:        make(map[int]*fdWatch),
		dirty:      make(map[int]struct{}),
		deferred:   queue.New(),
		events:     make([]poller.Event, maxEvents),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Close 释放底层 poller，已注册的关注直接丢弃，不会回调。
func (r *Reactor) Close() error {
	return r.p.Close()
}

// Clock 返回单调时间（毫秒）。
func (r *Reactor) Clock() int64 {
	return r.clock()
}

func (r *Reactor) nextID() ID {
	r.lastID++
	return r.lastID
}

// RegisterIO 注册一次性 I/O 关注：fd 满足 mask 中任一条件时回调。
// EventErr 与 EventHup 总是上报。
func (r *Reactor) RegisterIO(fd int, mask Events, cb IOFunc) ID {
	if fd < 0 {
		panic("reactor: RegisterIO with negative descriptor")
	}
	if mask == 0 {
		panic("reactor: RegisterIO with empty interest mask")
	}
	if cb == nil {
		panic("reactor: RegisterIO with nil callback")
	}

	rec := ioRecord{id: r.nextID(), fd: fd, mask: mask, cb: cb}
	var slot int
	if n := len(r.ioFree); n > 0 {
		slot = r.ioFree[n-1]
		r.ioFree = r.ioFree[:n-1]
		r.io[slot] = rec
	} else {
		slot = len(r.io)
		r.io = append(r.io, rec)
	}
	r.ioIndex[rec.id] = slot

	w := r.fds[fd]
	if w == nil {
		w = &fdWatch{}
		r.fds[fd] = w
	}
	w.ids = append(w.ids, rec.id)
	r.dirty[fd] = struct{}{}

	return rec.id
}

// UnregisterIO 取消 I/O 关注。id 为 0、已触发或未知时什么也不做。
func (r *Reactor) UnregisterIO(id ID) {
	slot, ok := r.ioIndex[id]
	if !ok {
		return
	}
	r.releaseIO(slot)
}

func (r *Reactor) releaseIO(slot int) ioRecord {
	rec := r.io[slot]
	delete(r.ioIndex, rec.id)
	r.io[slot] = ioRecord{}
	r.ioFree = append(r.ioFree, slot)

	if w := r.fds[rec.fd]; w != nil {
		for i, id := range w.ids {
			if id == rec.id {
				last := len(w.ids) - 1
				w.ids[i] = w.ids[last]
				w.ids = w.ids[:last]
				break
			}
		}
		r.dirty[rec.fd] = struct{}{}
	}
	return rec
}

// RegisterTimer 注册 periodMs 毫秒后到期的一次性定时器。
// period 为 0 表示下一次 Poll 触发。
func (r *Reactor) RegisterTimer(periodMs int64, cb TimerFunc) ID {
	if periodMs < 0 {
		panic("reactor: RegisterTimer with negative period")
	}
	if cb == nil {
		panic("reactor: RegisterTimer with nil callback")
	}

	rec := timerRecord{id: r.nextID(), expiry: r.clock() + periodMs, cb: cb}
	var slot int
	if n := len(r.timerFree); n > 0 {
		slot = r.timerFree[n-1]
		r.timerFree = r.timerFree[:n-1]
		r.timers[slot] = rec
	} else {
		slot = len(r.timers)
		r.timers = append(r.timers, rec)
	}
	r.timerIndex[rec.id] = slot
	return rec.id
}

// UnregisterTimer 取消定时器，语义同 UnregisterIO。
func (r *Reactor) UnregisterTimer(id ID) {
	slot, ok := r.timerIndex[id]
	if !ok {
		return
	}
	r.releaseTimer(slot)
}

func (r *Reactor) releaseTimer(slot int) timerRecord {
	rec := r.timers[slot]
	delete(r.timerIndex, rec.id)
	r.timers[slot] = timerRecord{}
	r.timerFree = append(r.timerFree, slot)
	return rec
}

// Defer 将 fn 排队，在本次（或下一次）Poll 分发结束后执行。
// 清空队列过程中新加入的任务要等到下一轮分发之后。
func (r *Reactor) Defer(fn func()) {
	if fn == nil {
		panic("reactor: Defer with nil function")
	}
	r.deferred.Add(fn)
}

// Wake 打断阻塞中的 Poll，是唯一可以跨 goroutine 调用的方法。
func (r *Reactor) Wake() error {
	return r.p.Wake()
}

// PendingIO 返回存活的 I/O 关注数。
func (r *Reactor) PendingIO() int { return len(r.ioIndex) }

// PendingTimers 返回存活的定时器数。
func (r *Reactor) PendingTimers() int { return len(r.timerIndex) }

// sync 把内核的关注集合同步为当前存活的关注。
func (r *Reactor) sync() {
	r.failed = r.failed[:0]
	for fd := range r.dirty {
		delete(r.dirty, fd)
		w := r.fds[fd]
		if w == nil {
			continue
		}
		var mask Events
		for _, id := range w.ids {
			mask |= r.io[r.ioIndex[id]].mask
		}
		mask &= EventIn | EventOut
		if len(w.ids) == 0 {
			if w.registered {
				_ = r.p.Unregister(fd)
			}
			delete(r.fds, fd)
			continue
		}

		var err error
		if w.registered {
			// 描述符关闭后会被内核静默移除，复用的 fd 号可能已不在集合中
			if err = r.p.Mod(fd, mask); err == unix.ENOENT {
				err = r.p.Register(fd, mask)
			}
		} else {
			if err = r.p.Register(fd, mask); err == unix.EEXIST {
				err = r.p.Mod(fd, mask)
			}
		}
		w.registered = err == nil
		w.failed = err != nil
		if err != nil {
			r.failed = append(r.failed, fd)
		}
	}
}

func (r *Reactor) timeout(block bool) int {
	if !block || r.deferred.Length() > 0 || len(r.failed) > 0 {
		return 0
	}
	if len(r.timerIndex) == 0 {
		return -1
	}
	now := r.clock()
	timeout := int64(math.MaxInt32)
	for _, t := range r.timers {
		if t.id == 0 {
			continue
		}
		remaining := t.expiry - now
		if remaining < 0 {
			remaining = 0
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	return int(timeout)
}

// Poll 执行一次就绪检查（仅 block 为 true 时等待），先分发满足条件的 I/O 关注，
// 再分发到期的定时器，最后清空延迟队列。
//
// 回调中注册的关注不会在当前这次 Poll 中被分发。
// 除 EINTR 外，多路复用失败以 fatal 级别记录后 panic，由进程顶层终止运行。
func (r *Reactor) Poll(block bool) {
	if r.polling {
		panic("reactor: Poll called from inside a callback")
	}
	r.polling = true
	defer func() { r.polling = false }()

	r.sync()

	var n int
	for {
		var err error
		n, err = r.p.Wait(r.events, r.timeout(block))
		if err == nil {
			break
		}
		if err == unix.EINTR {
			continue
		}
		r.log.WithLevel(zerolog.FatalLevel).Err(err).Msg("event polling error")
		panic(errors.Wrap(err, "reactor: event polling error"))
	}

	watermark := r.lastID

	for _, ev := range r.events[:n] {
		r.dispatchFD(ev.FD, ev.Mask, watermark)
	}
	for _, fd := range r.failed {
		r.dispatchFD(fd, EventErr, watermark)
	}

	now := r.clock()
	for i := 0; i < len(r.timers); i++ {
		t := r.timers[i]
		if t.id == 0 || t.id > watermark || t.expiry > now {
			continue
		}
		r.releaseTimer(i)
		t.cb()
	}

	for pending := r.deferred.Length(); pending > 0; pending-- {
		r.deferred.Remove().(func())()
	}
}

func (r *Reactor) dispatchFD(fd int, ready Events, watermark ID) {
	w := r.fds[fd]
	if w == nil || len(w.ids) == 0 {
		return
	}
	ids := append([]ID(nil), w.ids...)
	for _, id := range ids {
		if id > watermark {
			continue
		}
		slot, ok := r.ioIndex[id]
		if !ok {
			continue
		}
		got := ready & (r.io[slot].mask | EventErr | EventHup)
		if got == 0 {
			continue
		}
		rec := r.releaseIO(slot)
		rec.cb(got)
	}
}
