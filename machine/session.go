// Package machine 实现机器接口服务：在 protocol 帧格式上的请求/应答会话，
// 以及一个阻塞式客户端。
package machine

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/x0sim/x0/protocol"
	"github.com/x0sim/x0/reactor"
	"github.com/x0sim/x0/service"
	"github.com/x0sim/x0/stream"
)

// MaxSessions 是机器接口服务的默认会话上限。
const MaxSessions = 8

const (
	readChunk = 16 << 10
	// 出错关闭前等待回复写出的时间
	drainTimeoutMs = 5000
)

// ApiFunc 处理一个请求并返回回复消息体。返回错误时回复 ApiError。
type ApiFunc func(payload []byte) ([]byte, error)

// Option 配置 Handler。
type Option func(*Handler)

// WithLogger 设置日志。
func WithLogger(l zerolog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithIdleTimeout 设置空闲超时（毫秒），0 表示不超时。
func WithIdleTimeout(ms int64) Option {
	return func(h *Handler) { h.idleMs = ms }
}

// WithCompressThreshold 设置回复的压缩阈值，0 表示不压缩。
func WithCompressThreshold(n int) Option {
	return func(h *Handler) { h.enc.Threshold = n }
}

// WithMaxPayload 限制单个请求消息体的大小。
func WithMaxPayload(n int) Option {
	return func(h *Handler) { h.prs.MaxPayload = n }
}

// Handler 是机器接口的 service.Handler，按 Api 编号分发请求。
type Handler struct {
	r      *reactor.Reactor
	log    zerolog.Logger
	idleMs int64
	enc    protocol.Encoder
	prs    protocol.Parser
	apis   map[uint16]ApiFunc
}

// NewHandler 返回已注册 ApiPing 与 ApiInfo 的 Handler。info 在每次请求时调用。
func NewHandler(r *reactor.Reactor, info func() Info, opts ...Option) *Handler {
	h := &Handler{
		r:    r,
		log:  zerolog.Nop(),
		enc:  protocol.Encoder{Threshold: protocol.DefaultCompressThreshold},
		prs:  protocol.Parser{MaxPayload: 1 << 20},
		apis: make(map[uint16]ApiFunc),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.Handle(protocol.ApiPing, func(p []byte) ([]byte, error) { return p, nil })
	h.Handle(protocol.ApiInfo, func([]byte) ([]byte, error) { return info().Encode(), nil })
	return h
}

// Handle 注册 api 的处理函数，覆盖已有的注册。ApiError 不可注册。
func (h *Handler) Handle(api uint16, fn ApiFunc) {
	if api == protocol.ApiError {
		panic("machine: cannot register ApiError")
	}
	if fn == nil {
		panic("machine: nil ApiFunc")
	}
	h.apis[api] = fn
}

func (h *Handler) CreateSession(svc *service.Service[*Session], ctx service.Context) (*Session, bool) {
	s := &Session{
		h:     h,
		ctx:   ctx,
		st:    ctx.Stream(),
		log:   h.log.With().Str("peer", ctx.String()).Logger(),
		chunk: make([]byte, readChunk),
	}
	s.read()
	return s, true
}

func (h *Handler) DestroySession(s *Session) {
	s.closed = true
	s.log.Debug().Int("requests", s.requests).Msg("machine session destroyed")
}

// Session 是一个机器接口连接。
type Session struct {
	h        *Handler
	ctx      service.Context
	st       *stream.Stream
	log      zerolog.Logger
	chunk    []byte
	in       []byte
	out      []byte
	requests int
	closing  bool
	closed   bool
	drainBy  *reactor.Timeout // 出错关闭时的写出截止时间
}

// Requests 返回已处理的请求数。
func (s *Session) Requests() int { return s.requests }

func (s *Session) read() {
	var t *reactor.Timeout
	if s.h.idleMs > 0 {
		t = s.h.r.NewTimeout(s.h.idleMs)
	}
	s.st.Read(s.chunk, s.onRead, t)
}

func (s *Session) onRead(_ *stream.Stream, res stream.Result, n int) {
	if res != stream.OK || n == 0 {
		s.log.Debug().Stringer("result", res).Msg("machine session read ended")
		s.ctx.CloseDeferred()
		return
	}
	s.in = append(s.in, s.chunk[:n]...)
	consumed, err := s.h.prs.Parse(s.in, s.dispatch)
	// 滑动缓冲：保留未消费部分
	s.in = append(s.in[:0], s.in[consumed:]...)
	if err != nil {
		s.log.Warn().Err(err).Msg("bad machine frame")
		s.reply(protocol.Message{Api: protocol.ApiError, Payload: []byte(err.Error())})
		s.drain()
		return
	}
	s.flush()
	s.read()
}

func (s *Session) dispatch(m protocol.Message) error {
	s.requests++
	fn, ok := s.h.apis[m.Api]
	if !ok {
		s.reply(protocol.Message{Api: protocol.ApiError, Seq: m.Seq,
			Payload: []byte(errors.Errorf("unknown api %d", m.Api).Error())})
		return nil
	}
	out, err := fn(m.Payload)
	if err != nil {
		s.reply(protocol.Message{Api: protocol.ApiError, Seq: m.Seq, Payload: []byte(err.Error())})
		return nil
	}
	s.reply(protocol.Message{Api: m.Api, Seq: m.Seq, Payload: out})
	return nil
}

func (s *Session) reply(m protocol.Message) {
	out, err := s.h.enc.Append(s.out, m)
	if err != nil {
		s.log.Error().Err(err).Uint16("api", m.Api).Msg("cannot encode reply")
		return
	}
	s.out = out
}

// drain 停止读取，待 s.out 全部写出后关闭会话。
func (s *Session) drain() {
	s.closing = true
	s.drainBy = s.h.r.NewTimeout(drainTimeoutMs)
	if len(s.out) == 0 {
		s.ctx.CloseDeferred()
		return
	}
	s.flush()
}

// flush 在没有进行中的写时发起异步写。写期间追加到 s.out 不影响已提交部分的内容。
func (s *Session) flush() {
	if s.closed || len(s.out) == 0 || s.st.Writing() {
		return
	}
	s.st.Write(s.out, s.onWrite, s.drainBy)
}

func (s *Session) onWrite(_ *stream.Stream, res stream.Result, n int) {
	if res != stream.OK {
		s.log.Debug().Stringer("result", res).Msg("machine session write failed")
		s.ctx.CloseDeferred()
		return
	}
	s.out = s.out[n:]
	if len(s.out) == 0 {
		s.out = nil
		if s.closing {
			s.ctx.CloseDeferred()
			return
		}
	}
	s.flush()
}
