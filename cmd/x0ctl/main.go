// x0ctl 通过机器接口访问运行中的模拟器。
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/x0sim/x0/internal/logger"
	"github.com/x0sim/x0/internal/options"
	"github.com/x0sim/x0/machine"
)

func main() {
	log := logger.New(os.Stderr, logger.Info)
	if err := run(os.Args[1:], os.Stdout, log); err != nil {
		log.Error().Err(err).Msg("x0ctl failed")
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, log zerolog.Logger) error {
	fs := flag.NewFlagSet("x0ctl", flag.ContinueOnError)
	fs.SetOutput(out)
	addr := fs.String("m", options.DefaultMachineAddress, "machine interface `ADDRESS:PORT`")
	timeout := fs.Duration("timeout", 5*time.Second, "overall request timeout")
	fs.Usage = func() {
		fmt.Fprintln(out, "Usage: x0ctl [-m ADDRESS:PORT] ping [TEXT] | info | call API [PAYLOAD]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	c, err := machine.Dial(*addr, *timeout)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.SetDeadline(time.Now().Add(*timeout)); err != nil {
		return err
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	log.Debug().Str("addr", *addr).Str("command", cmd).Msg("request")
	switch cmd {
	case "ping":
		text := "ping"
		if len(rest) > 0 {
			text = rest[0]
		}
		start := time.Now()
		if err := c.Ping([]byte(text)); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s: %s\n", *addr, time.Since(start).Round(time.Microsecond))
	case "info":
		info, err := c.Info()
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(info))
		for k := range info {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "%-18s %s\n", k, info[k])
		}
	case "call":
		if len(rest) == 0 {
			return errors.New("call: missing API number")
		}
		api, err := strconv.ParseUint(rest[0], 0, 16)
		if err != nil {
			return errors.Wrap(err, "call: bad API number")
		}
		var payload []byte
		if len(rest) > 1 {
			payload = []byte(rest[1])
		}
		reply, err := c.Call(uint16(api), payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%q\n", reply)
	default:
		return errors.Errorf("unknown command %q", cmd)
	}
	return nil
}
