// Package service 通过 reactor 接受 TCP 连接，并为每个连接管理一个由调用方提供的会话。
//
// Service 持有每个会话的 socket 与 stream，调用方只拿到 Context。
// 超出最大会话数的连接会被接受后立即关闭。
package service

import (
	"net"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/x0sim/x0/internal/netutil"
	"github.com/x0sim/x0/reactor"
	"github.com/x0sim/x0/stream"
)

// ErrInvalidAddress 表示绑定地址不可用。
var ErrInvalidAddress = errors.New("service: invalid bind address")

// Handler 负责创建和销毁会话。
//
// CreateSession 返回 false 表示拒绝连接。DestroySession 返回前必须释放会话分配的
// 全部资源，且不能关闭其他会话。
type Handler[S any] interface {
	CreateSession(svc *Service[S], ctx Context) (S, bool)
	DestroySession(session S)
}

// HandlerFuncs 把一对函数适配为 Handler。
type HandlerFuncs[S any] struct {
	Create  func(svc *Service[S], ctx Context) (S, bool)
	Destroy func(session S)
}

func (h HandlerFuncs[S]) CreateSession(svc *Service[S], ctx Context) (S, bool) {
	return h.Create(svc, ctx)
}

func (h HandlerFuncs[S]) DestroySession(session S) {
	if h.Destroy != nil {
		h.Destroy(session)
	}
}

// Option 配置 Service。
type Option func(*options)

type options struct {
	log zerolog.Logger
}

// WithLogger 设置日志。
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

type record[S any] struct {
	sessionInfo
	gen        uint32
	prev, next int32
	fd         int
	session    S
	hasSession bool
}

// Service 是一个监听 socket 及其存活会话。
type Service[S any] struct {
	r    *reactor.Reactor
	log  zerolog.Logger
	name string
	max  int
	h    Handler[S]
	addr *net.TCPAddr

	lfd      int
	listenID reactor.ID

	recs       []record[S]
	free       []uint32
	head, tail int32
	count      int
}

// New 绑定 addr 并开始接受连接。端口 0 表示由内核分配，实际地址见 Addr。
// 地址非法或 bind/listen 失败时记录日志并返回错误，不创建服务。
func New[S any](r *reactor.Reactor, name string, addr *net.TCPAddr, maxSessions int, h Handler[S], opts ...Option) (*Service[S], error) {
	if maxSessions <= 0 {
		panic("service: maxSessions must be positive")
	}
	if h == nil {
		panic("service: nil handler")
	}
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.With().Str("service", name).Logger()

	if _, err := netutil.Sockaddr(addr); err != nil {
		log.Error().Err(err).Msg("cannot start service: invalid bind address")
		return nil, errors.Wrap(ErrInvalidAddress, name)
	}

	lfd, err := openListener(addr)
	if err != nil {
		log.Error().Err(err).Str("addr", addr.String()).Msg("unable to bind")
		return nil, errors.Wrapf(err, "%s service: bind %s", name, addr)
	}

	s := &Service[S]{
		r:    r,
		log:  log,
		name: name,
		max:  maxSessions,
		h:    h,
		addr: localAddr(lfd),
		lfd:  lfd,
		head: -1,
		tail: -1,
	}
	if s.addr == nil {
		s.addr = addr
	}

	s.log.Info().Str("addr", s.addr.String()).Msg("listening")
	s.scheduleAccept()
	return s, nil
}

// Name 返回服务名。
func (s *Service[S]) Name() string { return s.name }

// Addr 返回实际绑定的地址。
func (s *Service[S]) Addr() *net.TCPAddr { return s.addr }

// Len 返回存活会话数，nil 服务为 0。
func (s *Service[S]) Len() int {
	if s == nil {
		return 0
	}
	return s.count
}

// Max 返回会话上限，nil 服务为 0。
func (s *Service[S]) Max() int {
	if s == nil {
		return 0
	}
	return s.max
}

// Each 按接受顺序遍历存活会话。fn 只能关闭传给它的那个会话。
func (s *Service[S]) Each(fn func(ctx Context, session S)) {
	for i := s.head; i >= 0; {
		rec := &s.recs[i]
		next := rec.next
		fn(Context{o: s, h: handle{slot: uint32(i), gen: rec.gen}}, rec.session)
		i = next
	}
}

// Destroy 关闭全部会话，停止监听并关闭监听 socket。
func (s *Service[S]) Destroy() {
	if s == nil || s.lfd < 0 {
		return
	}
	s.log.Info().Msg("stopping service")

	for s.tail >= 0 {
		s.closeSlot(s.tail)
	}

	s.r.UnregisterIO(s.listenID)
	s.listenID = 0
	closeFD(s.lfd)
	s.lfd = -1
}

// CloseSession 关闭 ctx 对应的会话，之后 ctx 失效。
func (s *Service[S]) CloseSession(ctx Context) {
	ctx.Close()
}

func (s *Service[S]) scheduleAccept() {
	s.listenID = s.r.RegisterIO(s.lfd, reactor.EventIn, s.onAccept)
}

func (s *Service[S]) onAccept(events reactor.Events) {
	s.listenID = 0
	if events&reactor.EventIn != 0 {
		s.acceptOne()
	} else {
		s.log.Warn().Uint32("events", uint32(events)).Msg("unexpected listen socket condition")
	}
	s.scheduleAccept()
}

func (s *Service[S]) acceptOne() {
	fd, err := accept(s.lfd)
	if err != nil {
		s.log.Warn().Err(err).Msg("unable to accept connection")
		return
	}
	if s.count >= s.max {
		s.log.Debug().Int("max", s.max).Msg("rejecting connection: session limit reached")
		closeFD(fd)
		return
	}
	_ = netutil.SetNoDelay(fd, true)

	slot := s.alloc()
	rec := &s.recs[slot]
	rec.fd = fd
	rec.name = s.name
	rec.peerAddr, rec.peerPort = peerName(fd)
	rec.stream = stream.New(s.r, fd, fd)
	rec.state = stateCreated
	h := handle{slot: uint32(slot), gen: rec.gen}

	session, ok := s.h.CreateSession(s, Context{o: s, h: h})
	rec = &s.recs[slot]
	if !ok {
		s.log.Debug().Str("peer", rec.peerAddr).Int("port", rec.peerPort).Msg("session rejected")
		s.release(slot)
		return
	}
	rec.session = session
	rec.hasSession = true
	if rec.state == stateCreated {
		rec.state = stateActive
	}
	s.link(slot)
	s.count++

	s.log.Info().Str("peer", rec.peerAddr).Int("port", rec.peerPort).Msg("accepting connection")
}

func (s *Service[S]) alloc() int32 {
	if n := len(s.free); n > 0 {
		slot := s.free[n-1]
		s.free = s.free[:n-1]
		return int32(slot)
	}
	s.recs = append(s.recs, record[S]{prev: -1, next: -1})
	return int32(len(s.recs) - 1)
}

func (s *Service[S]) link(slot int32) {
	rec := &s.recs[slot]
	rec.prev, rec.next = s.tail, -1
	if s.tail >= 0 {
		s.recs[s.tail].next = slot
	} else {
		s.head = slot
	}
	s.tail = slot
}

func (s *Service[S]) unlink(slot int32) {
	rec := &s.recs[slot]
	if rec.next >= 0 {
		s.recs[rec.next].prev = rec.prev
	} else {
		s.tail = rec.prev
	}
	if rec.prev >= 0 {
		s.recs[rec.prev].next = rec.next
	} else {
		s.head = rec.next
	}
	rec.prev, rec.next = -1, -1
}

// closeSlot 摘链并销毁存活会话。
func (s *Service[S]) closeSlot(slot int32) {
	s.unlink(slot)
	s.count--

	rec := &s.recs[slot]
	if rec.hasSession {
		s.log.Info().Str("peer", rec.peerAddr).Int("port", rec.peerPort).Msg("closing connection")
		session := rec.session
		rec.hasSession = false
		var zero S
		rec.session = zero
		s.h.DestroySession(session)
	}
	s.release(slot)
}

// release 释放 stream、socket 与槽位。
func (s *Service[S]) release(slot int32) {
	rec := &s.recs[slot]
	rec.stream.Close()
	closeFD(rec.fd)
	gen := rec.gen + 1
	*rec = record[S]{gen: gen, prev: -1, next: -1, fd: -1}
	s.free = append(s.free, uint32(slot))
}

func (s *Service[S]) lookup(h handle) *record[S] {
	if int(h.slot) >= len(s.recs) {
		return nil
	}
	rec := &s.recs[h.slot]
	if rec.gen != h.gen || rec.state == stateFree {
		return nil
	}
	return rec
}

func (s *Service[S]) info(h handle) *sessionInfo {
	if rec := s.lookup(h); rec != nil {
		return &rec.sessionInfo
	}
	return nil
}

func (s *Service[S]) closeSession(h handle) {
	rec := s.lookup(h)
	if rec == nil {
		panic("service: stale session context")
	}
	if rec.state == stateCreated {
		panic("service: Close during CreateSession; use CloseDeferred")
	}
	s.closeSlot(int32(h.slot))
}

func (s *Service[S]) closeDeferred(h handle) {
	rec := s.lookup(h)
	if rec == nil || rec.state == stateClosing {
		return
	}
	rec.state = stateClosing
	s.r.Defer(func() {
		if s.lookup(h) != nil {
			s.closeSlot(int32(h.slot))
		}
	})
}
