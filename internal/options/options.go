// Package options 解析进程命令行。
package options

import (
	"flag"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/pkg/errors"

	"github.com/x0sim/x0/internal/logger"
	"github.com/x0sim/x0/internal/netutil"
)

const (
	DefaultGDBAddress     = "127.0.0.1:3333"
	DefaultConsoleAddress = "127.0.0.1:2323"
	DefaultMachineAddress = "127.0.0.1:4242"
	DefaultMemSize        = 4 << 20
	MaxMemSize            = 256 << 20

	defaultHost = "127.0.0.1"
)

var (
	// ErrHelp 表示请求了帮助信息（-h 或 -?）。
	ErrHelp = errors.New("options: help requested")
	// ErrVersion 表示请求了版本信息（-v）。
	ErrVersion = errors.New("options: version requested")
)

// InputKind 区分启动时执行的输入类型。
type InputKind int

const (
	Command InputKind = iota // -c
	File                     // -f
)

// Input 是一条启动输入，按命令行中的顺序保存。
type Input struct {
	Kind InputKind
	Data string
}

// Options 是解析后的命令行选项，解析后不再修改。
type Options struct {
	Inputs         []Input
	GDBAddress     *net.TCPAddr
	ConsoleAddress *net.TCPAddr
	MachineAddress *net.TCPAddr
	MinPriority    logger.Priority
	ROMSize        uint32
	RAMSize        uint32
	Testing        bool
	ELFPath        string
}

type inputValue struct {
	kind InputKind
	dst  *[]Input
}

func (v inputValue) String() string { return "" }

func (v inputValue) Set(s string) error {
	*v.dst = append(*v.dst, Input{Kind: v.kind, Data: s})
	return nil
}

type addrValue struct{ dst **net.TCPAddr }

func (v addrValue) String() string {
	if v.dst == nil || *v.dst == nil {
		return ""
	}
	return (*v.dst).String()
}

func (v addrValue) Set(s string) error {
	a, err := netutil.ParseBindAddress(s, defaultHost)
	if err != nil {
		return errors.New("invalid address:port")
	}
	*v.dst = a
	return nil
}

type sizeValue struct{ dst *uint32 }

func (v sizeValue) String() string {
	if v.dst == nil {
		return ""
	}
	return strconv.FormatUint(uint64(*v.dst), 10)
}

func (v sizeValue) Set(s string) error {
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil || n < 1 || n > MaxMemSize || n&3 != 0 {
		return errors.New("invalid size")
	}
	*v.dst = uint32(n)
	return nil
}

// priorityValue 让 -q 与 -V 以最后出现的为准。
type priorityValue struct {
	dst *logger.Priority
	p   logger.Priority
}

func (v priorityValue) String() string   { return "" }
func (v priorityValue) IsBoolFlag() bool { return true }

func (v priorityValue) Set(s string) error {
	if b, err := strconv.ParseBool(s); err != nil || !b {
		return errors.New("takes no value")
	}
	*v.dst = v.p
	return nil
}

func mustAddr(s string) *net.TCPAddr {
	a, err := netutil.ParseBindAddress(s, "")
	if err != nil {
		panic(err)
	}
	return a
}

func newFlagSet(name string, o *Options) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Var(inputValue{Command, &o.Inputs}, "c", "execute `COMMAND` before starting core")
	fs.Var(inputValue{File, &o.Inputs}, "f", "execute script at `PATH` before starting core")
	fs.Var(addrValue{&o.GDBAddress}, "g", "bind remote GDB service to `[ADDRESS:]PORT`")
	fs.Var(addrValue{&o.ConsoleAddress}, "l", "bind console service to `[ADDRESS:]PORT`")
	fs.Var(addrValue{&o.MachineAddress}, "m", "bind machine interface service to `[ADDRESS:]PORT`")
	fs.Var(priorityValue{&o.MinPriority, logger.Error}, "q", "quiet log output (only log errors)")
	fs.Var(priorityValue{&o.MinPriority, logger.Detail}, "V", "verbose log output (includes debugging messages)")
	fs.Var(sizeValue{&o.ROMSize}, "r", "set ROM size in bytes (multiple of 4)")
	fs.Var(sizeValue{&o.RAMSize}, "a", "set RAM size in bytes (multiple of 4)")
	fs.BoolVar(&o.Testing, "t", false, "enable custom test instructions")
	fs.Bool("h", false, "print this help info and terminate")
	fs.Bool("?", false, "print this help info and terminate")
	fs.Bool("v", false, "print version info and terminate")
	return fs
}

// Parse 解析 args（不含程序名）。-h、-?、-v 优先于其它所有参数处理，
// 分别返回 ErrHelp 与 ErrVersion。<ELF-PATH> 可以出现在任意位置，且必须恰好一个。
func Parse(args []string) (*Options, error) {
	for _, a := range args {
		switch a {
		case "-h", "-?":
			return nil, ErrHelp
		case "-v":
			return nil, ErrVersion
		}
	}

	o := &Options{
		GDBAddress:     mustAddr(DefaultGDBAddress),
		ConsoleAddress: mustAddr(DefaultConsoleAddress),
		MachineAddress: mustAddr(DefaultMachineAddress),
		MinPriority:    logger.Info,
		ROMSize:        DefaultMemSize,
		RAMSize:        DefaultMemSize,
	}
	fs := newFlagSet("x0", o)

	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			break
		}
		if o.ELFPath != "" {
			return nil, errors.New("<ELF-PATH> already specified")
		}
		o.ELFPath = args[0]
		args = args[1:]
	}
	if o.ELFPath == "" {
		return nil, errors.New("<ELF-PATH> not specified")
	}
	return o, nil
}

// PrintUsage 输出帮助信息。
func PrintUsage(w io.Writer, name string) {
	fmt.Fprintf(w, "Usage: %s [OPTIONS...] <ELF-PATH>\n", name)
	fs := newFlagSet(name, &Options{})
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintf(w, "\nDefaults: -g %s, -l %s, -m %s, ROM/RAM size %d (max %d).\n",
		DefaultGDBAddress, DefaultConsoleAddress, DefaultMachineAddress, DefaultMemSize, MaxMemSize)
}
