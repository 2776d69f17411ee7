package console

import (
	"bufio"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Evaluator 执行一行输入并返回输出文本。
type Evaluator interface {
	Eval(line string) (string, error)
}

// EvalFunc 把函数适配为 Evaluator。
type EvalFunc func(line string) (string, error)

func (f EvalFunc) Eval(line string) (string, error) { return f(line) }

// CommandFunc 处理一个内置命令，args 不含命令名。
type CommandFunc func(args []string) (string, error)

type command struct {
	help string
	fn   CommandFunc
}

// Builtin 是按空白切分参数的简单命令解释器。
type Builtin struct {
	cmds map[string]command
}

// NewBuiltin 返回带有 help、version 与 echo 命令的解释器。
func NewBuiltin(version string) *Builtin {
	b := &Builtin{cmds: make(map[string]command)}
	b.Register("help", "list commands", func([]string) (string, error) {
		return b.usage(), nil
	})
	b.Register("version", "print the simulator version", func([]string) (string, error) {
		return version, nil
	})
	b.Register("echo", "print the arguments", func(args []string) (string, error) {
		return strings.Join(args, " "), nil
	})
	return b
}

// Register 注册命令，同名命令会被覆盖。
func (b *Builtin) Register(name, help string, fn CommandFunc) {
	if name == "" || fn == nil {
		panic("console: invalid command registration")
	}
	b.cmds[name] = command{help: help, fn: fn}
}

func (b *Builtin) usage() string {
	names := make([]string, 0, len(b.cmds)+1)
	for name := range b.cmds {
		names = append(names, name)
	}
	names = append(names, quitCommand)
	sort.Strings(names)
	var sb strings.Builder
	for i, name := range names {
		if i > 0 {
			sb.WriteByte('\n')
		}
		help := "close the session"
		if c, ok := b.cmds[name]; ok {
			help = c.help
		}
		sb.WriteString(name)
		sb.WriteString(strings.Repeat(" ", max(1, 10-len(name))))
		sb.WriteString(help)
	}
	return sb.String()
}

func (b *Builtin) Eval(line string) (string, error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return "", nil
	}
	c, ok := b.cmds[args[0]]
	if !ok {
		return "", errors.Errorf("unknown command %q", args[0])
	}
	return c.fn(args[1:])
}

// EvalReader 逐行执行 r 的内容，输出写到 w。遇到第一个错误即停止，错误中带有行号。
func EvalReader(ev Evaluator, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLine)
	for lineNo := 1; sc.Scan(); lineNo++ {
		out, err := ev.Eval(strings.TrimSuffix(sc.Text(), "\r"))
		if err != nil {
			return errors.Wrapf(err, "line %d", lineNo)
		}
		if out != "" {
			if _, err := io.WriteString(w, withNewline(out)); err != nil {
				return err
			}
		}
	}
	return sc.Err()
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
