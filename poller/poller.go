// Package poller 封装操作系统的就绪通知（Linux 上为 epoll，Darwin 上为 kqueue），
// 对外统一为水平触发接口。
//
// Poller 非并发安全，唯一例外是 Wake：任意 goroutine 都可调用它打断阻塞中的 Wait。
package poller

// FD 表示文件描述符。
type FD = int

// Mask 是就绪条件集合。
type Mask uint32

const (
	In  Mask = 1 << iota // 可读
	Out                  // 可写
	Err                  // 错误，总是上报
	Hup                  // 挂断，总是上报
)

// Event 是单个描述符的就绪通知。
type Event struct {
	FD   FD
	Mask Mask
}

// Poller 是水平触发的多路复用器。Register/Mod 只接受 In 与 Out，Err 与 Hup 无论如何都会上报。
type Poller interface {
	Register(fd FD, m Mask) error
	Mod(fd FD, m Mask) error
	Unregister(fd FD) error

	// Wait 最多阻塞 timeoutMs 毫秒（负数表示无限等待，0 表示不阻塞）并填充 events。
	// 唤醒事件在内部消费，不会上报。被信号打断时原样返回 EINTR，由调用方决定是否重试。
	Wait(events []Event, timeoutMs int) (int, error)

	Wake() error
	Close() error
}
