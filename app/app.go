// Package app 组装 reactor 与各网络服务并运行主循环。
package app

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/x0sim/x0/console"
	"github.com/x0sim/x0/internal/options"
	"github.com/x0sim/x0/machine"
	"github.com/x0sim/x0/reactor"
	"github.com/x0sim/x0/service"
)

// Version 可在构建时通过 -ldflags "-X" 覆盖。
var Version = "0.1.0"

// 进程退出码。
const (
	ExitSuccess           = 0
	ExitFailure           = 1
	ExitCannotBindService = 2
)

// gdbSession 占位：GDB 远程协议不在本仓库实现，调试服务拒绝所有连接。
type gdbSession struct{}

// App 持有 reactor 与三个服务。除 Stop 外只能在运行 Loop 的 goroutine 中使用。
type App struct {
	opts *options.Options
	log  zerolog.Logger
	r    *reactor.Reactor

	gdb     *service.Service[gdbSession]
	console *service.Service[*console.Session]
	machine *service.Service[*machine.Session]
	eval    *console.Builtin

	stop atomic.Bool
	code atomic.Int32
}

// New 创建 reactor、执行启动输入并绑定服务。任何一个服务绑定失败时，
// 已创建的资源全部释放，返回的错误可用 errors.Cause 判断为 service.ErrInvalidAddress
// 或系统调用错误。
func New(o *options.Options, log zerolog.Logger, out io.Writer) (*App, error) {
	r, err := reactor.New(reactor.WithLogger(log))
	if err != nil {
		return nil, err
	}
	a := &App{opts: o, log: log, r: r}
	a.eval = a.newEvaluator()

	if err := a.runInputs(out); err != nil {
		r.Close()
		return nil, err
	}
	if err := a.bind(); err != nil {
		a.Close()
		return nil, &bindError{err}
	}
	return a, nil
}

type bindError struct{ error }

func (e *bindError) Cause() error  { return e.error }
func (e *bindError) Unwrap() error { return e.error }

func (a *App) newEvaluator() *console.Builtin {
	b := console.NewBuiltin(Version)
	b.Register("sessions", "list live sessions per service", func([]string) (string, error) {
		return fmt.Sprintf("gdb %d/%d\nconsole %d/%d\nmachine %d/%d",
			a.gdb.Len(), a.gdb.Max(),
			a.console.Len(), a.console.Max(),
			a.machine.Len(), a.machine.Max()), nil
	})
	b.Register("info", "print simulator configuration", func([]string) (string, error) {
		return string(a.info().Encode()), nil
	})
	return b
}

func (a *App) runInputs(out io.Writer) error {
	for _, in := range a.opts.Inputs {
		switch in.Kind {
		case options.Command:
			res, err := a.eval.Eval(in.Data)
			if err != nil {
				return errors.Wrapf(err, "-c %q", in.Data)
			}
			if res != "" {
				fmt.Fprintln(out, res)
			}
		case options.File:
			f, err := os.Open(in.Data)
			if err != nil {
				return errors.Wrap(err, "-f")
			}
			err = console.EvalReader(a.eval, f, out)
			f.Close()
			if err != nil {
				return errors.Wrapf(err, "-f %s", in.Data)
			}
		}
	}
	return nil
}

func (a *App) bind() error {
	var err error
	a.gdb, err = service.New[gdbSession](a.r, "gdb", a.opts.GDBAddress, 1,
		service.HandlerFuncs[gdbSession]{
			Create: func(_ *service.Service[gdbSession], ctx service.Context) (gdbSession, bool) {
				a.log.Warn().Str("peer", ctx.String()).Msg("remote debugging is not available")
				return gdbSession{}, false
			},
		},
		service.WithLogger(a.log))
	if err != nil {
		return err
	}

	a.console, err = service.New[*console.Session](a.r, "console", a.opts.ConsoleAddress, console.MaxSessions,
		console.NewHandler(a.r, a.eval,
			console.WithLogger(a.log.With().Str("service", "console").Logger()),
			console.WithBanner("x0 RV32IM Simulator - v"+Version)),
		service.WithLogger(a.log))
	if err != nil {
		return err
	}

	a.machine, err = service.New[*machine.Session](a.r, "machine", a.opts.MachineAddress, machine.MaxSessions,
		machine.NewHandler(a.r, a.info,
			machine.WithLogger(a.log.With().Str("service", "machine").Logger())),
		service.WithLogger(a.log))
	return err
}

func (a *App) info() machine.Info {
	return machine.Info{}.
		Set("version", Version).
		Set("elf", a.opts.ELFPath).
		Set("rom_size", a.opts.ROMSize).
		Set("ram_size", a.opts.RAMSize).
		Set("testing", a.opts.Testing).
		Set("console_sessions", a.console.Len()).
		Set("machine_sessions", a.machine.Len())
}

// Reactor 返回 App 使用的 reactor。
func (a *App) Reactor() *reactor.Reactor { return a.r }

// GDBAddr、ConsoleAddr、MachineAddr 返回各服务实际绑定的地址。
func (a *App) GDBAddr() *net.TCPAddr     { return a.gdb.Addr() }
func (a *App) ConsoleAddr() *net.TCPAddr { return a.console.Addr() }
func (a *App) MachineAddr() *net.TCPAddr { return a.machine.Addr() }

// Loop 持续 Poll 直到 Stop 被调用，返回 Stop 传入的退出码。
func (a *App) Loop() int {
	for !a.stop.Load() {
		a.r.Poll(true)
	}
	return int(a.code.Load())
}

// Stop 请求主循环以 code 退出，可在任意 goroutine 调用。
func (a *App) Stop(code int) {
	a.code.Store(int32(code))
	a.stop.Store(true)
	if err := a.r.Wake(); err != nil {
		a.log.Error().Err(err).Msg("unable to wake event loop")
	}
}

// Close 销毁服务并释放 reactor。
func (a *App) Close() {
	if a.machine != nil {
		a.machine.Destroy()
	}
	if a.console != nil {
		a.console.Destroy()
	}
	if a.gdb != nil {
		a.gdb.Destroy()
	}
	a.r.Close()
}

func exitCodeName(code int) string {
	switch code {
	case ExitSuccess:
		return "success"
	case ExitCannotBindService:
		return "cannot bind service"
	default:
		return strconv.Itoa(code)
	}
}
