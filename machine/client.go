package machine

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/x0sim/x0/protocol"
)

// RemoteError 是服务端以 ApiError 回复的错误。
type RemoteError struct {
	Api     uint16
	Message string
}

func (e *RemoteError) Error() string {
	return "machine: api " + strconv.Itoa(int(e.Api)) + ": " + e.Message
}

// Client 是阻塞式机器接口客户端，请求按顺序串行执行。
type Client struct {
	conn net.Conn
	enc  protocol.Encoder
	prs  protocol.Parser
	mu   sync.Mutex
	seq  uint32
	// 接收缓冲，跨多次 Read 累积，避免半包丢失
	rb  []byte
	buf []byte
}

// Dial 连接到 address。
func Dial(address string, timeout time.Duration) (*Client, error) {
	nc, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, errors.Wrap(err, "machine: dial")
	}
	return &Client{
		conn: nc,
		enc:  protocol.Encoder{Threshold: protocol.DefaultCompressThreshold},
		buf:  make([]byte, readChunk),
	}, nil
}

// Call 发送一个请求并等待对应 Seq 的回复。
func (c *Client) Call(api uint16, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	seq := c.seq
	frame, err := c.enc.Append(nil, protocol.Message{Api: api, Seq: seq, Payload: payload})
	if err != nil {
		return nil, err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return nil, errors.Wrap(err, "machine: write")
	}

	var reply *protocol.Message
	for reply == nil {
		consumed, perr := c.prs.Parse(c.rb, func(m protocol.Message) error {
			// 串行调用下不应出现其它 Seq，直接丢弃
			if m.Seq != seq || reply != nil {
				return nil
			}
			m.Payload = append([]byte(nil), m.Payload...)
			reply = &m
			return nil
		})
		if perr != nil {
			return nil, errors.Wrap(perr, "machine: parse")
		}
		// 滑动缓冲：保留未消费部分
		c.rb = append(c.rb[:0], c.rb[consumed:]...)
		if reply != nil {
			break
		}
		n, err := c.conn.Read(c.buf)
		if err != nil {
			return nil, errors.Wrap(err, "machine: read")
		}
		c.rb = append(c.rb, c.buf[:n]...)
	}
	if reply.Api == protocol.ApiError {
		return nil, &RemoteError{Api: api, Message: string(reply.Payload)}
	}
	return reply.Payload, nil
}

// Ping 发送 ApiPing 并校验回显。
func (c *Client) Ping(payload []byte) error {
	out, err := c.Call(protocol.ApiPing, payload)
	if err != nil {
		return err
	}
	if string(out) != string(payload) {
		return errors.New("machine: ping payload mismatch")
	}
	return nil
}

// Info 请求模拟器信息。
func (c *Client) Info() (Info, error) {
	out, err := c.Call(protocol.ApiInfo, nil)
	if err != nil {
		return nil, err
	}
	return ParseInfo(out), nil
}

// SetDeadline 设置底层连接的读写截止时间。
func (c *Client) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

func (c *Client) Close() error { return c.conn.Close() }
