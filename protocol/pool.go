package protocol

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	encoderPool = sync.Pool{New: func() any {
		enc, _ := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1))
		return enc
	}}
	// 按解压上限分池，解码器在解码过程中即按上限拒绝，不会先分配整帧
	decoderPools sync.Map // int -> *sync.Pool
)

func decoderPool(limit int) *sync.Pool {
	if limit <= 0 || limit > longHeadMaxLen {
		limit = longHeadMaxLen
	}
	if p, ok := decoderPools.Load(limit); ok {
		return p.(*sync.Pool)
	}
	p, _ := decoderPools.LoadOrStore(limit, &sync.Pool{New: func() any {
		dec, _ := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(uint64(limit)))
		return dec
	}})
	return p.(*sync.Pool)
}

func compress(dst, src []byte) []byte {
	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)
	return enc.EncodeAll(src, dst)
}

func decompress(src []byte, limit int) ([]byte, error) {
	pool := decoderPool(limit)
	dec := pool.Get().(*zstd.Decoder)
	defer pool.Put(dec)
	out, err := dec.DecodeAll(src, nil)
	if err == zstd.ErrDecoderSizeExceeded || err == zstd.ErrWindowSizeExceeded {
		return nil, ErrFrameTooLarge
	}
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		return nil, ErrFrameTooLarge
	}
	return out, nil
}
