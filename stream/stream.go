// Package stream 基于 reactor 在一对非阻塞描述符上提供异步读写。
//
// 每个方向同时只允许一个未完成的操作。完成结果总是在之后的某次 Poll 中通过回调
// 通知，不会在发起调用内部直接回调。
package stream

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/x0sim/x0/reactor"
)

// Result 表示操作的完成方式。
type Result int

const (
	OK       Result = iota // 传输了 n 字节，可能为 0
	Hangup                 // 对端挂断
	IOError                // 描述符报错
	TimedOut               // 先于 I/O 超时
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case Hangup:
		return "hangup"
	case IOError:
		return "io error"
	case TimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Callback 接收 Read/Write 的结果。
type Callback func(s *Stream, res Result, n int)

type op struct {
	buf       []byte
	cb        Callback
	ioID      reactor.ID
	timeoutID reactor.ID
}

func (o *op) active() bool { return o.cb != nil }

// Stream 是异步字节流，不持有描述符。
type Stream struct {
	r       *reactor.Reactor
	readFD  int
	writeFD int
	rd      op
	wr      op
}

// New 创建从 readFD 读、向 writeFD 写的 Stream。两者可以相同，负数表示禁用该方向。
func New(r *reactor.Reactor, readFD, writeFD int) *Stream {
	if readFD < 0 && writeFD < 0 {
		panic("stream: both directions disabled")
	}
	return &Stream{r: r, readFD: readFD, writeFD: writeFD}
}

// Close 取消未完成的操作（不回调），不关闭描述符。
func (s *Stream) Close() {
	if s == nil {
		return
	}
	s.cancel(&s.rd)
	s.cancel(&s.wr)
}

func (s *Stream) cancel(o *op) {
	s.r.UnregisterIO(o.ioID)
	s.r.UnregisterTimer(o.timeoutID)
	*o = op{}
}

// ReadFD 返回读描述符，禁用时为 -1。
func (s *Stream) ReadFD() int { return s.readFD }

// WriteFD 返回写描述符，禁用时为 -1。
func (s *Stream) WriteFD() int { return s.writeFD }

// Reading 报告是否有未完成的读。
func (s *Stream) Reading() bool { return s.rd.active() }

// Writing 报告是否有未完成的写。
func (s *Stream) Writing() bool { return s.wr.active() }

// Pending 报告是否有任一方向的操作未完成。
func (s *Stream) Pending() bool { return s.rd.active() || s.wr.active() }

// Read 发起最多 len(buf) 字节的异步读。timeout 非 nil 时，到期即以 TimedOut 完成。
func (s *Stream) Read(buf []byte, cb Callback, timeout *reactor.Timeout) {
	if cb == nil {
		panic("stream: Read with nil callback")
	}
	if s.readFD < 0 {
		panic("stream: Read on write-only stream")
	}
	if s.rd.active() {
		panic("stream: read already in progress")
	}
	s.rd = op{buf: buf, cb: cb}
	s.rd.ioID = s.r.RegisterIO(s.readFD, reactor.EventIn, s.onReadable)
	if timeout != nil {
		s.rd.timeoutID = s.r.RegisterTimer(timeout.Remaining(s.r), s.onReadTimeout)
	}
}

// Write 发起最多 len(buf) 字节的异步写。timeout 语义同 Read。
func (s *Stream) Write(buf []byte, cb Callback, timeout *reactor.Timeout) {
	if cb == nil {
		panic("stream: Write with nil callback")
	}
	if s.writeFD < 0 {
		panic("stream: Write on read-only stream")
	}
	if s.wr.active() {
		panic("stream: write already in progress")
	}
	s.wr = op{buf: buf, cb: cb}
	s.wr.ioID = s.r.RegisterIO(s.writeFD, reactor.EventOut, s.onWritable)
	if timeout != nil {
		s.wr.timeoutID = s.r.RegisterTimer(timeout.Remaining(s.r), s.onWriteTimeout)
	}
}

// WriteSync 绕过 reactor 立即写，返回内核接收的字节数，会阻塞时返回 0。
// 调用时不能有未完成的异步写。
func (s *Stream) WriteSync(buf []byte) (int, error) {
	if s.writeFD < 0 {
		panic("stream: WriteSync on read-only stream")
	}
	if s.wr.active() {
		panic("stream: WriteSync while write in progress")
	}
	for {
		n, err := unix.Write(s.writeFD, buf)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, nil
		default:
			return 0, err
		}
	}
}

// complete 先清空 o 再回调，回调里可以直接发起同方向的下一个操作。
func (s *Stream) complete(o *op, res Result, n int) {
	cb := o.cb
	*o = op{}
	cb(s, res, n)
}

func (s *Stream) onReadable(events reactor.Events) {
	s.r.UnregisterTimer(s.rd.timeoutID)
	s.rd.ioID, s.rd.timeoutID = 0, 0

	if events&reactor.EventIn == 0 {
		s.complete(&s.rd, failure(events), 0)
		return
	}
	for {
		n, err := unix.Read(s.readFD, s.rd.buf)
		switch err {
		case nil:
			s.complete(&s.rd, OK, n)
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			s.complete(&s.rd, OK, 0)
		default:
			s.complete(&s.rd, IOError, 0)
		}
		return
	}
}

func (s *Stream) onWritable(events reactor.Events) {
	s.r.UnregisterTimer(s.wr.timeoutID)
	s.wr.ioID, s.wr.timeoutID = 0, 0

	if events&reactor.EventOut == 0 {
		s.complete(&s.wr, failure(events), 0)
		return
	}
	for {
		n, err := unix.Write(s.writeFD, s.wr.buf)
		switch err {
		case nil:
			s.complete(&s.wr, OK, n)
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			s.complete(&s.wr, OK, 0)
		default:
			s.complete(&s.wr, IOError, 0)
		}
		return
	}
}

func failure(events reactor.Events) Result {
	if events&reactor.EventErr != 0 {
		return IOError
	}
	return Hangup
}

func (s *Stream) onReadTimeout() {
	s.r.UnregisterIO(s.rd.ioID)
	s.rd.ioID, s.rd.timeoutID = 0, 0
	s.complete(&s.rd, TimedOut, 0)
}

func (s *Stream) onWriteTimeout() {
	s.r.UnregisterIO(s.wr.ioID)
	s.wr.ioID, s.wr.timeoutID = 0, 0
	s.complete(&s.wr, TimedOut, 0)
}
