// File: cmd/wsengine/dial.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/momentics/wsengine/client"
	"github.com/momentics/wsengine/internal/logging"
	"github.com/momentics/wsengine/protocol"
)

type dialOptions struct {
	configPath string
	insecure   bool
	linger     time.Duration
}

func dialCmd() *cobra.Command {
	var o dialOptions
	cmd := &cobra.Command{
		Use:   "dial <url>",
		Short: "Send stdin lines to a server and print what arrives",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDial(ctx, args[0], o, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.configPath, "config", "c", "", "client config file")
	f.BoolVarP(&o.insecure, "insecure", "k", false, "skip TLS certificate verification")
	f.DurationVar(&o.linger, "linger", 200*time.Millisecond, "wait for replies after stdin ends")
	return cmd
}

func runDial(ctx context.Context, url string, o dialOptions, in io.Reader, out io.Writer) error {
	cfg, err := client.LoadConfig(o.configPath)
	if err != nil {
		return err
	}
	if o.insecure {
		cfg.TLS.InsecureSkipVerify = true
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	c, err := client.New(cfg, client.WithLogger(log))
	if err != nil {
		return err
	}
	if err := c.Connect(ctx, url); err != nil {
		return err
	}
	defer func() { _ = c.Disconnect() }()

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- bytes.Clone(sc.Bytes()):
			case <-ctx.Done():
				return
			}
		}
	}()

	closed := false
	cb := protocol.Callbacks{
		OnData: func(_ int, data []byte) {
			fmt.Fprintf(out, "%s\n", data)
		},
		OnDisconnect: func(int) { closed = true },
		OnError: func(_ int, err error) {
			log.Warn("connection error", zap.Error(err))
		},
	}

	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	var deadline <-chan time.Time
	for !closed {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline:
			return nil
		case line, ok := <-lines:
			if !ok {
				lines, deadline = nil, time.After(o.linger)
				continue
			}
			if len(line) == 0 {
				continue
			}
			if err := c.Send(line); err != nil {
				return err
			}
		case <-t.C:
			c.Drain(0, cb)
		}
	}
	return fmt.Errorf("server closed the connection")
}
