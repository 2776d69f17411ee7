// Package logger 构建进程使用的 zerolog 日志。
package logger

import (
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// Priority 是日志优先级，低于最小优先级的消息被丢弃。
type Priority int

const (
	Detail Priority = iota
	Info
	Warning
	Error
	Fatal
)

func (p Priority) String() string {
	switch p {
	case Detail:
		return "detail"
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Level 返回对应的 zerolog 级别。
func (p Priority) Level() zerolog.Level {
	switch p {
	case Detail:
		return zerolog.DebugLevel
	case Info:
		return zerolog.InfoLevel
	case Warning:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	case Fatal:
		return zerolog.FatalLevel
	default:
		panic("logger: invalid priority")
	}
}

func priorityOf(l zerolog.Level) Priority {
	switch {
	case l <= zerolog.DebugLevel:
		return Detail
	case l == zerolog.InfoLevel:
		return Info
	case l == zerolog.WarnLevel:
		return Warning
	case l == zerolog.ErrorLevel:
		return Error
	default:
		return Fatal
	}
}

// New 返回写到 w 的控制台格式日志，只输出不低于 min 的消息。
func New(w io.Writer, min Priority) zerolog.Logger {
	cw := zerolog.ConsoleWriter{
		Out:        w,
		NoColor:    true,
		TimeFormat: "15:04:05.000",
		FormatLevel: func(i any) string {
			s, _ := i.(string)
			l, err := zerolog.ParseLevel(s)
			if err != nil {
				return "[" + strings.ToLower(s) + "]"
			}
			return fmt.Sprintf("[%-7s]", priorityOf(l))
		},
	}
	return zerolog.New(cw).Level(min.Level()).With().Timestamp().Logger()
}
