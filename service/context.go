package service

import (
	"strconv"

	"github.com/x0sim/x0/stream"
)

const unknownPeer = "unknown"

type state uint8

const (
	stateFree state = iota
	stateCreated
	stateActive
	stateClosing
)

// handle 指向会话槽位。槽位每次释放 gen 加一，旧句柄随之失效。
type handle struct {
	slot uint32
	gen  uint32
}

type sessionInfo struct {
	name     string
	stream   *stream.Stream
	peerAddr string
	peerPort int
	state    state
}

// owner 是 Context 所需的、擦除了类型参数的 Service 视图。
type owner interface {
	info(h handle) *sessionInfo
	closeSession(h handle)
	closeDeferred(h handle)
}

// Context 是调用方对一个存活会话的引用，可以随意复制。
// 会话关闭后所有副本失效，除 Valid 外的方法都会 panic。
type Context struct {
	o owner
	h handle
}

func (c Context) mustInfo() *sessionInfo {
	if c.o == nil {
		panic("service: zero Context")
	}
	inf := c.o.info(c.h)
	if inf == nil {
		panic("service: stale session context")
	}
	return inf
}

// Valid 报告会话是否仍存活。
func (c Context) Valid() bool {
	return c.o != nil && c.o.info(c.h) != nil
}

// Service 返回所属服务名。
func (c Context) Service() string { return c.mustInfo().name }

// Stream 返回会话的 stream，归服务所有。
func (c Context) Stream() *stream.Stream { return c.mustInfo().stream }

// PeerAddr 返回对端地址，无法获取时为 "unknown"。
func (c Context) PeerAddr() string { return c.mustInfo().peerAddr }

// PeerPort 返回对端端口，无法获取时为 0。
func (c Context) PeerPort() int { return c.mustInfo().peerPort }

func (c Context) String() string {
	inf := c.mustInfo()
	return inf.peerAddr + ":" + strconv.Itoa(inf.peerPort)
}

// Closing 报告是否已请求延迟关闭。
func (c Context) Closing() bool { return c.mustInfo().state == stateClosing }

// Close 立即关闭会话：先调用销毁回调，再释放 stream 与 socket。
// 不能在本会话 stream 的回调里调用，那里应使用 CloseDeferred。
func (c Context) Close() {
	c.mustInfo()
	c.o.closeSession(c.h)
}

// CloseDeferred 请求在 reactor 本轮分发结束后关闭会话，重复调用只生效一次。
func (c Context) CloseDeferred() {
	c.mustInfo()
	c.o.closeDeferred(c.h)
}
