package app

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"

	"github.com/x0sim/x0/internal/logger"
	"github.com/x0sim/x0/internal/options"
)

// Run 解析 args（args[0] 为程序名）并运行模拟器直到收到 SIGINT、SIGTERM 或 SIGQUIT，
// 返回进程退出码。
func Run(args []string, stdout, stderr io.Writer) int {
	name := filepath.Base(args[0])
	o, err := options.Parse(args[1:])
	switch {
	case errors.Is(err, options.ErrHelp):
		options.PrintUsage(stdout, name)
		return ExitSuccess
	case errors.Is(err, options.ErrVersion):
		fmt.Fprintln(stdout, Version)
		return ExitSuccess
	case err != nil:
		fmt.Fprintf(stderr, "%v\nTry '%s -?' for more information.\n", err, name)
		return ExitFailure
	}

	log := logger.New(stderr, o.MinPriority)
	log.Info().Msg("x0 RV32IM Simulator - v" + Version)

	a, err := New(o, log, stdout)
	if err != nil {
		log.Error().Err(err).Msg("start-up failed")
		var be *bindError
		if errors.As(err, &be) {
			return ExitCannotBindService
		}
		return ExitFailure
	}
	defer a.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sig)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case s := <-sig:
			log.Info().Stringer("signal", s).Msg("terminating on signal")
			a.Stop(ExitSuccess)
		case <-done:
		}
	}()

	code := a.Loop()
	log.Info().Str("result", exitCodeName(code)).Msg("Terminating")
	return code
}
