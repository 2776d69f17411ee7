// Package console 实现行式脚本控制台会话：逐行读取输入交给 Evaluator 执行，
// 结果先同步写出，写不完的部分放入环形缓冲后异步发送。
package console

import (
	"bytes"
	"strings"

	"github.com/rs/zerolog"

	"github.com/x0sim/x0/internal/ring"
	"github.com/x0sim/x0/reactor"
	"github.com/x0sim/x0/service"
	"github.com/x0sim/x0/stream"
)

// MaxSessions 是控制台服务的会话上限。
const MaxSessions = 64

const (
	maxLine     = 4096
	quitCommand = "quit"
	prompt      = "x0> "

	// drainTimeoutMs 限制关闭前发送剩余输出的时间
	drainTimeoutMs = 5000
)

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

// WithOutputBuffer 设置每个会话待发送输出的缓冲容量。
func WithOutputBuffer(n int) Option {
	return func(h *Handler) { h.outCap = n }
}

// WithBanner 设置连接建立时发送的欢迎文本。
func WithBanner(s string) Option {
	return func(h *Handler) { h.banner = s }
}

// Handler 是控制台的 service.Handler。
type Handler struct {
	r      *reactor.Reactor
	ev     Evaluator
	log    zerolog.Logger
	idleMs int64
	outCap int
	banner string
}

func NewHandler(r *reactor.Reactor, ev Evaluator, opts ...Option) *Handler {
	h := &Handler{r: r, ev: ev, log: zerolog.Nop(), outCap: 64 << 10}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) CreateSession(svc *service.Service[*Session], ctx service.Context) (*Session, bool) {
	s := &Session{
		h:       h,
		ctx:     ctx,
		st:      ctx.Stream(),
		log:     h.log.With().Str("peer", ctx.String()).Logger(),
		pending: ring.New(h.outCap),
		chunk:   make([]byte, 1024),
	}
	if h.banner != "" {
		s.write(withNewline(h.banner))
	}
	s.write(prompt)
	if !s.quitting {
		s.read()
	}
	return s, true
}

func (h *Handler) DestroySession(s *Session) {
	s.closed = true
	s.log.Debug().Int("lines", s.lines).Msg("console session destroyed")
}

// Session 是一个控制台连接。
type Session struct {
	h        *Handler
	ctx      service.Context
	st       *stream.Stream
	log      zerolog.Logger
	pending  *ring.Buffer
	chunk    []byte
	line     []byte
	discard  bool
	lines    int
	quitting bool
	closed   bool
}

// Lines 返回已执行的行数。
func (s *Session) Lines() int { return s.lines }

func (s *Session) read() {
	var t *reactor.Timeout
	if s.h.idleMs > 0 {
		t = s.h.r.NewTimeout(s.h.idleMs)
	}
	s.st.Read(s.chunk, s.onRead, t)
}

func (s *Session) onRead(_ *stream.Stream, res stream.Result, n int) {
	// OK 且 n 为 0 视为对端关闭
	if res != stream.OK || n == 0 {
		s.log.Debug().Stringer("result", res).Msg("console session read ended")
		s.quit()
		return
	}
	data := s.chunk[:n]
	for len(data) > 0 && !s.quitting {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			s.buffer(data)
			break
		}
		s.buffer(data[:i])
		data = data[i+1:]
		if s.discard {
			s.discard = false
			s.line = s.line[:0]
			s.write("error: line too long\n" + prompt)
			continue
		}
		line := strings.TrimSuffix(string(s.line), "\r")
		s.line = s.line[:0]
		s.exec(line)
	}
	if !s.quitting {
		s.read()
	}
}

// buffer 累积未完成的行，超出 maxLine 后丢弃直到下一个换行。
func (s *Session) buffer(b []byte) {
	if s.discard {
		return
	}
	if len(s.line)+len(b) > maxLine {
		s.discard = true
		s.line = s.line[:0]
		return
	}
	s.line = append(s.line, b...)
}

func (s *Session) exec(line string) {
	s.lines++
	if strings.TrimSpace(line) == quitCommand {
		s.write("bye\n")
		s.quit()
		return
	}
	out, err := s.h.ev.Eval(line)
	switch {
	case err != nil:
		s.write("error: " + err.Error() + "\n")
	case out != "":
		s.write(withNewline(out))
	}
	s.write(prompt)
}

// write 优先同步写出；有积压或写不完时进入缓冲并异步发送。
func (s *Session) write(text string) {
	if s.closed || s.quitting {
		return
	}
	if s.pending.Len() == 0 && !s.st.Writing() {
		n, err := s.st.WriteSync([]byte(text))
		if err != nil {
			s.log.Debug().Err(err).Msg("console write failed")
			s.quit()
			return
		}
		text = text[n:]
	}
	if text == "" {
		return
	}
	if _, err := s.pending.WriteString(text); err != nil {
		s.log.Warn().Int("pending", s.pending.Len()).Msg("console output overflow")
		s.quit()
		return
	}
	s.flush()
}

func (s *Session) flush() {
	if s.st.Writing() || s.pending.Len() == 0 {
		return
	}
	var t *reactor.Timeout
	if s.quitting {
		t = s.h.r.NewTimeout(drainTimeoutMs)
	}
	s.st.Write(s.pending.Next(), s.onWrite, t)
}

func (s *Session) onWrite(_ *stream.Stream, res stream.Result, n int) {
	if res != stream.OK {
		s.log.Debug().Stringer("result", res).Msg("console async write failed")
		s.pending.Reset()
		s.quit()
		return
	}
	s.pending.Discard(n)
	s.flush()
	if s.quitting && s.pending.Len() == 0 && !s.st.Writing() {
		s.ctx.CloseDeferred()
	}
}

// quit 停止读取；待发送输出写完后关闭会话。
func (s *Session) quit() {
	s.quitting = true
	if s.pending.Len() == 0 && !s.st.Writing() {
		s.ctx.CloseDeferred()
	}
}
