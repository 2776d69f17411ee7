// Package ring 提供固定容量的环形字节缓冲，用于暂存尚未写出的数据。
package ring

import "github.com/pkg/errors"

var ErrTooLarge = errors.New("ring: write too large")

// Buffer 是单线程使用的环形字节缓冲，容量为 2 的幂。
type Buffer struct {
	buf      []byte
	mask     int
	readPos  int
	writePos int
}

// New 返回容量至少为 capacity 的缓冲，容量向上取整到 2 的幂。
func New(capacity int) *Buffer {
	capPow2 := 1
	for capPow2 < capacity {
		capPow2 <<= 1
	}
	return &Buffer{buf: make([]byte, capPow2), mask: capPow2 - 1}
}

func (b *Buffer) Cap() int { return len(b.buf) }

func (b *Buffer) Len() int { return b.writePos - b.readPos }

func (b *Buffer) Free() int { return b.Cap() - b.Len() }

// Write 整体写入 p；空间不足时不写入任何字节并返回 ErrTooLarge。
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > b.Free() {
		return 0, ErrTooLarge
	}
	start := b.writePos & b.mask
	n := copy(b.buf[start:], p)
	copy(b.buf, p[n:])
	b.writePos += len(p)
	return len(p), nil
}

// WriteString 同 Write。
func (b *Buffer) WriteString(s string) (int, error) {
	if len(s) > b.Free() {
		return 0, ErrTooLarge
	}
	start := b.writePos & b.mask
	n := copy(b.buf[start:], s)
	copy(b.buf, s[n:])
	b.writePos += len(s)
	return len(s), nil
}

// Next 返回从读指针开始的连续可读区域，不前进读指针也不拷贝。
// 在 Discard 之前，后续 Write 不会覆盖该区域。
func (b *Buffer) Next() []byte {
	ln := b.Len()
	if ln == 0 {
		return nil
	}
	start := b.readPos & b.mask
	end := start + ln
	if end > len(b.buf) {
		end = len(b.buf)
	}
	return b.buf[start:end]
}

// Discard 前进读指针，返回实际丢弃的字节数。
func (b *Buffer) Discard(n int) int {
	if ln := b.Len(); n > ln {
		n = ln
	}
	b.readPos += n
	if b.readPos == b.writePos {
		b.readPos, b.writePos = 0, 0
	}
	return n
}

// Reset 清空缓冲。
func (b *Buffer) Reset() { b.readPos, b.writePos = 0, 0 }
