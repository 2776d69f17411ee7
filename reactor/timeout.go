package reactor

// Timeout 是 reactor 时钟上的绝对截止时间。
// 同一个 Timeout 可以传给连续多次 stream 操作，作为整体时限。
type Timeout struct {
	expiry int64
}

// NewTimeout 返回 periodMs 毫秒后到期的 Timeout。
func (r *Reactor) NewTimeout(periodMs int64) *Timeout {
	return &Timeout{expiry: r.clock() + periodMs}
}

// Remaining 返回剩余毫秒数，到期后为 0。
func (t *Timeout) Remaining(r *Reactor) int64 {
	if d := t.expiry - r.clock(); d > 0 {
		return d
	}
	return 0
}

// Expired 报告是否已到期。
func (t *Timeout) Expired(r *Reactor) bool {
	return t.Remaining(r) == 0
}
