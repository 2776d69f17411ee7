// Package protocol 实现机器接口的帧格式：LenFlags 头部 + Api + Seq + 消息体，
// 消息体超过阈值时使用 zstd 压缩。
package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// 保留的 Api 编号。
const (
	ApiError uint16 = 0 // 错误回复，消息体为错误文本
	ApiPing  uint16 = 1 // 原样回显
	ApiInfo  uint16 = 2 // 返回模拟器信息
)

// DefaultCompressThreshold 是默认的压缩阈值（字节）。
const DefaultCompressThreshold = 1024

var (
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	ErrCorrupt       = errors.New("protocol: corrupt frame")
)

// Message 是一条请求或回复。回复沿用请求的 Seq。
type Message struct {
	Api     uint16
	Seq     uint32
	Payload []byte
}

// Encoder 编码单帧。Threshold > 0 且消息体不小于 Threshold 时尝试压缩。
type Encoder struct {
	Threshold int
}

// NewEncoder 返回使用 DefaultCompressThreshold 的 Encoder。
func NewEncoder() *Encoder { return &Encoder{Threshold: DefaultCompressThreshold} }

// Append 把 m 编码后追加到 dst。
func (e *Encoder) Append(dst []byte, m Message) ([]byte, error) {
	body := m.Payload
	compressed := false
	if e.Threshold > 0 && len(body) >= e.Threshold {
		// 压缩后不变小则按原文发送，压缩帧长度因此总小于原文
		if c := compress(nil, body); len(c) < len(body) {
			body, compressed = c, true
		}
	}
	out, err := appendHeader(dst, len(body), compressed)
	if err != nil {
		return dst, err
	}
	out = binary.BigEndian.AppendUint16(out, m.Api)
	out = binary.BigEndian.AppendUint32(out, m.Seq)
	return append(out, body...), nil
}

// Parser 从字节流中切分帧。MaxPayload > 0 时限制消息体（解压后）的大小。
type Parser struct {
	MaxPayload int
}

// Parse 尽可能多地解析 buf 中的完整帧，返回已消费字节数；不完整的尾部留给下次。
// 回调中的 Payload 可能引用 buf，回调返回后不应再持有。
// 回调返回错误时停止解析。
func (p *Parser) Parse(buf []byte, onMessage func(m Message) error) (consumed int, _ error) {
	i := 0
	for {
		h, ok, err := parseHeader(buf[i:])
		if err != nil {
			return i, err
		}
		if !ok {
			return i, nil
		}
		if p.MaxPayload > 0 && h.length > p.MaxPayload {
			return i, ErrFrameTooLarge
		}
		total := h.size + metaLen + h.length
		if len(buf[i:]) < total {
			return i, nil // 不完整帧
		}
		frame := buf[i : i+total]
		m := Message{
			Api: binary.BigEndian.Uint16(frame[h.size:]),
			Seq: binary.BigEndian.Uint32(frame[h.size+2:]),
		}
		m.Payload = frame[h.size+metaLen:]
		if h.compressed {
			if m.Payload, err = decompress(m.Payload, p.MaxPayload); err != nil {
				if err != ErrFrameTooLarge {
					err = ErrCorrupt
				}
				return i, err
			}
		}
		if len(m.Payload) == 0 {
			m.Payload = nil
		}
		if err := onMessage(m); err != nil {
			return i, err
		}
		i += total
	}
}
