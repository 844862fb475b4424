// Command ipcctl sends one enveloped request to a kernel and prints the
// response payload.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/danmuck/edgeipc/internal/config"
	"github.com/danmuck/edgeipc/internal/ipc"
	"github.com/danmuck/edgeipc/internal/logging"
	"github.com/danmuck/edgeipc/internal/protocol"
	"github.com/danmuck/edgeipc/internal/protocol/session"
)

type options struct {
	configPath string
	address    string
	token      string
	dest       uint
	version    uint
	opcode     uint
	payload    string
	raw        bool
	timeout    time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "client config path (TOML)")
	flag.StringVar(&opts.address, "addr", "", "kernel address, overrides config")
	flag.StringVar(&opts.token, "token", "", "auth token, overrides config")
	flag.UintVar(&opts.dest, "dest", uint(protocol.ApplicationStart), "destination code")
	flag.UintVar(&opts.version, "version", 1, "envelope version")
	flag.UintVar(&opts.opcode, "opcode", 1, "envelope opcode")
	flag.StringVar(&opts.payload, "payload", "", "request payload")
	flag.BoolVar(&opts.raw, "raw", false, "send payload without an application envelope")
	flag.DurationVar(&opts.timeout, "timeout", 5*time.Second, "overall deadline")
	flag.Parse()

	logging.ConfigureRuntime()
	if err := run(context.Background(), opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ipcctl: %v\n", err)
		os.Exit(1)
	}
}

func sessionConfig(opts options) (session.Config, error) {
	cfg := session.DefaultConfig()
	if strings.TrimSpace(opts.configPath) != "" {
		loaded, err := config.LoadClientConfig(opts.configPath)
		if err != nil {
			return session.Config{}, err
		}
		cfg = loaded.Session
	}
	if opts.address != "" {
		cfg.Address = opts.address
	}
	if opts.token != "" {
		cfg.Token = opts.token
	}
	return cfg, nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	if opts.dest > 0xFFFF || opts.version > 0xFF || opts.opcode > 0xFF {
		return fmt.Errorf("dest, version or opcode out of range")
	}
	cfg, err := sessionConfig(opts)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	client, err := ipc.Dial(ctx, cfg, ipc.Options{Logger: logging.New("ipcctl")})
	if err != nil {
		return err
	}
	defer client.Disconnect()

	dest := protocol.Destination(opts.dest)
	if opts.raw {
		resp, err := client.Request(ctx, dest, []byte(opts.payload))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "%s\n", resp.Payload)
		return err
	}
	resp, err := client.SendAndReceive(ctx, dest, uint8(opts.version), uint8(opts.opcode), []byte(opts.payload))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "service=%s version=%d opcode=%d payload=%s\n", client.ServiceName(), resp.Version, resp.OpCode, resp.Payload)
	return err
}
