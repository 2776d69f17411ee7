package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// 帧头 LenFlags：
// 短头（2B，BE）：
//   bit15: Compressed
//   bit14: 保留，必须为 0
//   bit13: Ext=0
//   bit12..0: Len13 (0..8191)
// 长头（4B，BE）：
//   bit31: Compressed
//   bit30: 保留，必须为 0
//   bit29: Ext=1
//   bit28..0: Len29
// 头部之后依次为 Api(2B)、Seq(4B) 和长度为 Len 的消息体（压缩后）。

const (
	shortHeadMaxLen = (1 << 13) - 1 // 8191
	longHeadMaxLen  = (1 << 29) - 1

	flagCompressed16 = 1 << 15
	flagReserved16   = 1 << 14
	flagExt16        = 1 << 13

	// metaLen 是 Api + Seq 的长度。
	metaLen = 6
)

var (
	errHeaderTooShort   = errors.New("protocol: header too short")
	errLengthOutOfRange = errors.New("protocol: length out of range")
	errReservedBit      = errors.New("protocol: reserved header bit set")
)

// header 是解码后的帧头。
type header struct {
	size       int // 头部字节数，2 或 4
	length     int // 消息体长度
	compressed bool
}

// appendHeader 追加 LenFlags 头部，长度不超过 8191 时使用短头。
func appendHeader(dst []byte, length int, compressed bool) ([]byte, error) {
	if length < 0 || length > longHeadMaxLen {
		return dst, errLengthOutOfRange
	}
	if length <= shortHeadMaxLen {
		v := uint16(length)
		if compressed {
			v |= flagCompressed16
		}
		return binary.BigEndian.AppendUint16(dst, v), nil
	}
	v := uint32(flagExt16)<<16 | uint32(length)
	if compressed {
		v |= uint32(flagCompressed16) << 16
	}
	return binary.BigEndian.AppendUint32(dst, v), nil
}

// parseHeader 解码帧头。数据不足时返回 ok=false。
func parseHeader(b []byte) (h header, ok bool, err error) {
	if len(b) < 2 {
		return h, false, nil
	}
	v16 := binary.BigEndian.Uint16(b)
	if v16&flagReserved16 != 0 {
		return h, false, errReservedBit
	}
	h.compressed = v16&flagCompressed16 != 0
	if v16&flagExt16 == 0 {
		h.size = 2
		h.length = int(v16 & shortHeadMaxLen)
		return h, true, nil
	}
	if len(b) < 4 {
		return h, false, nil
	}
	h.size = 4
	h.length = int(binary.BigEndian.Uint32(b) & longHeadMaxLen)
	return h, true, nil
}
